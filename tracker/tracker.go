/*
Package tracker is the HTTP tracker client: periodic swarm discovery that
feeds the peer pool with a compact peer list (spec §4.1). UDP trackers and
dictionary-form peer lists are out of scope; the core is leech-only over
HTTP, matching spec.md §1's stated scope.
*/
package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"goleech/bencode"
	"goleech/internal/bterrors"
	"goleech/internal/logging"
)

// ListenPort is advertised to the tracker only; this client never accepts
// inbound connections (leech-only).
const ListenPort = 6889

// DefaultInterval is used when a tracker response omits "interval".
const DefaultInterval = 1800 * time.Second

// Peer is one entry of a tracker's compact peer list.
type Peer struct {
	IP   string
	Port uint16
}

// Addr formats the peer as a dialable "ip:port" string.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// response mirrors the bencoded dictionary a tracker replies with.
// "peers" is decoded through interface{} rather than a fixed Go type
// because it is either a raw compact byte string or, in the dictionary
// form this client doesn't support, a list of dictionaries — the two
// shapes can't share one struct field and tag.
type response struct {
	Failure    string      `bencode:"failure reason"`
	Interval   int         `bencode:"interval"`
	Complete   int         `bencode:"complete"`
	Incomplete int         `bencode:"incomplete"`
	Peers      interface{} `bencode:"peers"`
}

// AnnounceResult is what a successful announce yields: the interval to
// wait before the next announce, advisory swarm counts, and the peer
// list.
type AnnounceResult struct {
	Interval   time.Duration
	Complete   int
	Incomplete int
	Peers      []Peer
}

// Client announces to one tracker for one torrent's swarm.
type Client struct {
	httpClient *http.Client
	peerID     [20]byte
	log        *logging.Session
}

// NewClient builds a tracker client with a freshly generated Azureus-style
// peer ID ("-PC0001-" + 12 ASCII digits).
func NewClient(log *logging.Session) (*Client, error) {
	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		peerID:     peerID,
		log:        log,
	}, nil
}

// PeerID returns the 20-byte peer ID this client announces with.
func (c *Client) PeerID() [20]byte { return c.peerID }

// Close releases the underlying HTTP client's idle connections, so the
// tracker session doesn't leak sockets across the life of a download
// (spec §9 design note).
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// AnnounceParams are the per-call inputs of an announce: the tracker URL,
// the info_hash and the transfer stats sent as query parameters; peer_id,
// port and compact are fixed per client.
type AnnounceParams struct {
	AnnounceURL string
	InfoHash    [20]byte
	TotalSize   int64
	Uploaded    int64
	Downloaded  int64
	First       bool // event=started iff First
}

// Announce issues one GET against params.AnnounceURL and parses the
// compact peer list in the response.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	u, err := url.Parse(params.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce URL %q: %w: %v", params.AnnounceURL, bterrors.ErrTracker, err)
	}

	left := params.TotalSize - params.Downloaded
	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("port", strconv.Itoa(ListenPort))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("compact", "1")
	if params.First {
		q.Set("event", "started")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w: %v", bterrors.ErrTracker, err)
	}
	req.Header.Set("User-Agent", "goleech/1.0")

	c.log.Info("announcing to %s (first=%v, left=%d)", params.AnnounceURL, params.First, left)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: request failed: %w: %v", bterrors.ErrTracker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: status %d: %w", resp.StatusCode, bterrors.ErrTracker)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading response body: %w: %v", bterrors.ErrTracker, err)
	}

	if looksLikeFailureText(body) {
		return nil, fmt.Errorf("tracker: failure response %q: %w", body, bterrors.ErrTracker)
	}

	var tr response
	if err := bencode.Unmarshal(bytes.NewReader(body), &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w: %v", bterrors.ErrTracker, err)
	}

	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker: failure reason %q: %w", tr.Failure, bterrors.ErrTracker)
	}

	peersRaw, ok := tr.Peers.(string)
	if !ok {
		return nil, fmt.Errorf("tracker: dictionary-form peer list not supported: %w", bterrors.ErrTracker)
	}

	peers, err := ParseCompactPeers(peersRaw)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w: %v", bterrors.ErrTracker, err)
	}

	interval := time.Duration(tr.Interval) * time.Second
	if tr.Interval <= 0 {
		interval = DefaultInterval
	}

	c.log.Info("tracker replied: %d peers, interval=%s, complete=%d, incomplete=%d",
		len(peers), interval, tr.Complete, tr.Incomplete)

	return &AnnounceResult{
		Interval:   interval,
		Complete:   tr.Complete,
		Incomplete: tr.Incomplete,
		Peers:      peers,
	}, nil
}

// ParseCompactPeers decodes a compact peer list: raw bytes whose length
// must be a multiple of 6 (4-byte big-endian IPv4 + 2-byte big-endian
// port per entry). See spec S2.
func ParseCompactPeers(raw string) ([]Peer, error) {
	b := []byte(raw)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of 6", len(b))
	}

	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// looksLikeFailureText mirrors the spec's error policy: a body decodable
// as UTF-8 containing the substring "failure" is treated as a tracker
// failure even on HTTP 200, before attempting to bdecode it.
func looksLikeFailureText(body []byte) bool {
	if !utf8.Valid(body) {
		return false
	}
	return strings.Contains(string(body), "failure")
}

func generatePeerID() ([20]byte, error) {
	const prefix = "-PC0001-"

	var out [20]byte
	copy(out[:], prefix)

	digits := make([]byte, 20-len(prefix))
	raw := make([]byte, len(digits))
	if _, err := rand.Read(raw); err != nil {
		return out, fmt.Errorf("tracker: generating peer id: %w", err)
	}
	for i, b := range raw {
		digits[i] = '0' + b%10
	}
	copy(out[len(prefix):], digits)

	return out, nil
}
