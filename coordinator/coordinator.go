/*
Package coordinator is the top-level scheduler tying the tracker, the peer
pool and the piece manager together (spec §4.6). It owns the address
queue, spawns a fixed pool of peer workers, and drives the periodic
re-announce tick.
*/
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"goleech/internal/bterrors"
	"goleech/internal/logging"
	"goleech/peer"
	"goleech/pieces"
	"goleech/torrentfile"
	"goleech/tracker"
)

// DefaultMaxPeerConnections is MAX_PEER_CONNECTIONS from spec §4.6.
const DefaultMaxPeerConnections = 40

// tickInterval is how often the coordinator loop wakes to check for
// completion, re-announce when due, and reseed an empty address queue.
const tickInterval = 5 * time.Second

// ProgressFunc is invoked each time a peer session ends, with the number
// of verified pieces so far and the total. It is not called as each
// individual piece is verified. Used by the CLI to drive a progress bar.
type ProgressFunc func(have, total int)

// Coordinator drives one torrent's download end to end: address queue,
// peer worker pool, periodic tracker re-announce.
type Coordinator struct {
	torrent    *torrentfile.Torrent
	manager    *pieces.Manager
	tracker    *tracker.Client
	log        *logging.Session
	maxPeers   int
	onProgress ProgressFunc

	mu           sync.Mutex
	queue        []tracker.Peer
	lastAnnounce time.Time
	hasAnnounced bool
	lastResult   *tracker.AnnounceResult
	active       []*peer.Connection

	queueCh chan tracker.Peer

	// fatalCh carries a StorageError from any worker that hit one; the
	// first one received aborts Run (spec §7: StorageError is fatal).
	fatalCh chan error
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithMaxPeerConnections overrides DefaultMaxPeerConnections.
func WithMaxPeerConnections(n int) Option {
	return func(c *Coordinator) { c.maxPeers = n }
}

// WithProgress installs a callback fired after each peer session ends
// (see ProgressFunc).
func WithProgress(fn ProgressFunc) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// New constructs a Coordinator for torrent: opens the output file via a
// fresh pieces.Manager and builds a tracker client. Callers must call
// Close (directly, or implicitly via Run returning) to release both.
func New(t *torrentfile.Torrent, log *logging.Session, opts ...Option) (*Coordinator, error) {
	mgr, err := pieces.New(t, log)
	if err != nil {
		return nil, err
	}

	tc, err := tracker.NewClient(log)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	c := &Coordinator{
		torrent:  t,
		manager:  mgr,
		tracker:  tc,
		log:      log,
		maxPeers: DefaultMaxPeerConnections,
		queueCh:  make(chan tracker.Peer, 4096),
		fatalCh:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run drives the download to completion: it spawns maxPeers workers
// pulling from the shared address queue, announces on the configured
// interval, and returns once every piece is verified, ctx is cancelled,
// or a fatal StorageError occurs. It always releases the output file and
// tracker client before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for i := 0; i < c.maxPeers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runWorker(ctx)
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var fatalErr error

loop:
	for {
		if c.manager.Complete() {
			c.log.Info("download complete: %d/%d pieces", c.manager.HaveCount(), c.torrent.NumPieces())
			cancel()
			break loop
		}

		select {
		case fatalErr = <-c.fatalCh:
			c.log.Error("aborting download: %v", fatalErr)
			cancel()
			break loop
		default:
		}

		if ctx.Err() != nil {
			break loop
		}

		if time.Since(c.lastAnnounceAt()) >= c.announceInterval() {
			c.announce(ctx)
		} else {
			c.reseedIfEmpty()
		}

		select {
		case fatalErr = <-c.fatalCh:
			c.log.Error("aborting download: %v", fatalErr)
			cancel()
			break loop
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	c.mu.Lock()
	for _, conn := range c.active {
		conn.Stop()
	}
	c.mu.Unlock()

	wg.Wait()
	return fatalErr
}

// Close releases the output file and the tracker client's idle
// connections. Safe to call once Run has returned; Run itself always
// calls it on the way out.
func (c *Coordinator) Close() error {
	c.tracker.Close()
	return c.manager.Close()
}

func (c *Coordinator) lastAnnounceAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAnnounce
}

func (c *Coordinator) announceInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult != nil && c.lastResult.Interval > 0 {
		return c.lastResult.Interval
	}
	return tracker.DefaultInterval
}

// announce calls the tracker and, on success, replaces the address
// queue's contents with the freshly returned peers. Failures are logged
// and retried on the next tick, per spec §4.6.
func (c *Coordinator) announce(ctx context.Context) {
	c.mu.Lock()
	first := !c.hasAnnounced
	c.mu.Unlock()

	result, err := c.tracker.Announce(ctx, tracker.AnnounceParams{
		AnnounceURL: c.torrent.AnnounceURL,
		InfoHash:    c.torrent.InfoHash,
		TotalSize:   c.torrent.TotalSize,
		Downloaded:  c.manager.BytesDownloaded(),
		First:       first,
	})
	if err != nil {
		c.log.Fail("announce failed, retrying next tick: %v", err)
		return
	}

	c.mu.Lock()
	c.lastAnnounce = time.Now()
	c.hasAnnounced = true
	c.lastResult = result
	c.mu.Unlock()

	c.replaceQueue(result.Peers)
}

// replaceQueue drains any stale entries and refills the channel-backed
// queue with fresh peers, per spec §4.6's "replace the address queue
// contents" rule.
func (c *Coordinator) replaceQueue(peers []tracker.Peer) {
	c.drainQueue()
	c.mu.Lock()
	c.queue = peers
	c.mu.Unlock()
	c.fillChannel(peers)
}

func (c *Coordinator) drainQueue() {
	for {
		select {
		case <-c.queueCh:
		default:
			return
		}
	}
}

func (c *Coordinator) fillChannel(peers []tracker.Peer) {
	for _, p := range peers {
		select {
		case c.queueCh <- p:
		default:
			return
		}
	}
}

// reseedIfEmpty refills the queue from the last successful announce
// response when the channel has run dry between announce ticks.
func (c *Coordinator) reseedIfEmpty() {
	if len(c.queueCh) > 0 {
		return
	}

	c.mu.Lock()
	peers := c.queue
	c.mu.Unlock()

	if len(peers) > 0 {
		c.fillChannel(peers)
	}
}

// runWorker repeatedly pulls a peer address from the shared queue and
// drives one Connection to completion; when a session ends (error or peer
// exhaustion) it loops back for the next address, and it returns once ctx
// is cancelled.
func (c *Coordinator) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-c.queueCh:
			if !ok {
				return
			}
			c.runOneConnection(ctx, addr)
		}
	}
}

func (c *Coordinator) runOneConnection(ctx context.Context, p tracker.Peer) {
	conn := &peer.Connection{
		RemoteAddr: p.Addr(),
		InfoHash:   c.torrent.InfoHash,
		LocalID:    c.tracker.PeerID(),
		Manager:    c.manager,
		Log:        c.log,
	}

	c.mu.Lock()
	c.active = append(c.active, conn)
	c.mu.Unlock()

	if err := conn.Run(ctx); err != nil {
		c.reportConnErr(p, err)
	}

	if fn := c.onProgress; fn != nil {
		fn(c.manager.HaveCount(), c.torrent.NumPieces())
	}
}

// reportConnErr classifies a terminated connection's error: a StorageError
// is fatal to the whole download and is routed to fatalCh (spec §7), any
// other error just ends that one peer's session.
func (c *Coordinator) reportConnErr(p tracker.Peer, err error) {
	if errors.Is(err, bterrors.ErrStorage) {
		c.log.Error("peer %s: fatal storage error: %v", p.Addr(), err)
		select {
		case c.fatalCh <- err:
		default:
		}
		return
	}

	c.log.Fail("peer %s: session ended: %v", p.Addr(), err)
}
