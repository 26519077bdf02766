/*
Package pieces owns piece/block bookkeeping, request scheduling, hash
verification and disk persistence for a single download. A *Manager is
created once per torrent and mutated only through its exported methods,
which the coordinator's peer-worker goroutines call concurrently — every
exported Manager method takes the manager's mutex and runs to completion
before releasing it, so callers never need their own locking (spec §5).
*/
package pieces

import (
	"crypto/sha1"
	"fmt"
	"os"
	"sync"
	"time"

	"goleech/internal/bterrors"
	"goleech/internal/logging"
	"goleech/torrentfile"
)

// BlockStatus is the lifecycle state of a single Block.
type BlockStatus int

const (
	Missing BlockStatus = iota
	Pending
	Retrieved
)

// Block is the unit of wire request: a sub-range of a piece.
type Block struct {
	PieceIndex int
	Offset     int64
	Length     int64
	Status     BlockStatus
	Data       []byte
}

// Piece is a fixed-size contiguous chunk of the payload covered by a
// single SHA-1 digest in the metainfo.
type Piece struct {
	Index  int
	Blocks []*Block
	Hash   [torrentfile.HashLen]byte
}

// IsComplete reports whether every block of the piece has been retrieved.
func (p *Piece) IsComplete() bool {
	for _, b := range p.Blocks {
		if b.Status != Retrieved {
			return false
		}
	}
	return true
}

// Data concatenates the piece's blocks, in offset order, into one slice.
func (p *Piece) Data() []byte {
	out := make([]byte, 0, p.size())
	for _, b := range p.Blocks {
		out = append(out, b.Data...)
	}
	return out
}

func (p *Piece) size() int64 {
	var n int64
	for _, b := range p.Blocks {
		n += b.Length
	}
	return n
}

// IsHashMatching reports whether SHA-1(Data()) equals the expected hash.
func (p *Piece) IsHashMatching() bool {
	return sha1.Sum(p.Data()) == p.Hash
}

// Reset moves every block back to Missing and discards buffered data,
// following a hash mismatch.
func (p *Piece) Reset() {
	for _, b := range p.Blocks {
		b.Status = Missing
		b.Data = nil
	}
}

func buildPieces(t *torrentfile.Torrent) []*Piece {
	out := make([]*Piece, t.NumPieces())

	for i := 0; i < t.NumPieces(); i++ {
		size := t.PieceSize(i)

		var blocks []*Block
		for off := int64(0); off < size; off += torrentfile.RequestSize {
			length := int64(torrentfile.RequestSize)
			if remaining := size - off; remaining < length {
				length = remaining
			}
			blocks = append(blocks, &Block{PieceIndex: i, Offset: off, Length: length})
		}

		out[i] = &Piece{Index: i, Blocks: blocks, Hash: t.PieceHashes[i]}
	}

	return out
}

// MaxPendingTime is how long a requested block may remain outstanding
// before it becomes eligible for re-issue to another peer.
const MaxPendingTime = 60 * time.Second

type pendingRequest struct {
	block   *Block
	expires time.Time
}

// Manager is the piece manager: it owns piece/block state, the per-peer
// bitfield map, the pending-request table and the output file descriptor.
type Manager struct {
	mu sync.Mutex

	torrent *torrentfile.Torrent
	log     *logging.Session

	missing []*Piece
	ongoing []*Piece
	have    []*Piece

	peers   map[string][]bool // peer_id -> bitfield, index i == has piece i
	pending []pendingRequest

	file *os.File

	now func() time.Time
}

// New constructs a Manager for torrent, opening output_path for
// read/write, creating it if absent, and pre-sizing it to TotalSize. The
// file is sparse-tolerant: later writes fill any holes left by
// out-of-order piece completion.
func New(torrent *torrentfile.Torrent, log *logging.Session) (*Manager, error) {
	f, err := os.OpenFile(torrent.OutputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pieces: opening %q: %w: %v", torrent.OutputPath, bterrors.ErrStorage, err)
	}

	if err := f.Truncate(torrent.TotalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("pieces: truncating %q: %w: %v", torrent.OutputPath, bterrors.ErrStorage, err)
	}

	return &Manager{
		torrent: torrent,
		log:     log,
		missing: buildPieces(torrent),
		peers:   make(map[string][]bool),
		file:    f,
		now:     time.Now,
	}, nil
}

// Close releases the output file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// Complete reports whether every piece has been retrieved and verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.have) == m.torrent.NumPieces()
}

// BytesDownloaded is a coarse, per-piece-only count: completed pieces
// times the nominal piece length.
func (m *Manager) BytesDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.have)) * m.torrent.PieceLength
}

// HaveCount returns the number of verified pieces.
func (m *Manager) HaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.have)
}

// AddPeer registers peerID's bitfield, a packed array with one bit per
// piece, MSB-first within each byte. Trailing spare bits beyond
// NumPieces are ignored.
func (m *Manager) AddPeer(peerID string, bitfield []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bits := make([]bool, m.torrent.NumPieces())
	for i := range bits {
		byteIdx, bitIdx := i/8, i%8
		if byteIdx < len(bitfield) {
			bits[i] = (bitfield[byteIdx]>>(7-bitIdx))&1 == 1
		}
	}
	m.peers[peerID] = bits
}

// UpdatePeer records that peerID has announced (via Have) possession of
// piece index.
func (m *Manager) UpdatePeer(peerID string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bits, ok := m.peers[peerID]
	if !ok {
		bits = make([]bool, m.torrent.NumPieces())
		m.peers[peerID] = bits
	}
	if index >= 0 && index < len(bits) {
		bits[index] = true
	}
}

// RemovePeer forgets peerID, e.g. when its connection drops.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// NextRequest returns the next Block peerID should be asked to fetch, or
// nil if there is nothing to request right now. It implements, in strict
// order: re-issuing timed-out requests the peer can serve, continuing an
// already-ongoing piece the peer has, and finally starting the rarest
// piece (by owner count) the peer advertises. See spec §4.4.
func (m *Manager) NextRequest(peerID string) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	bits, ok := m.peers[peerID]
	if !ok {
		return nil
	}

	if b := m.reissueExpired(bits); b != nil {
		return b
	}

	if b := m.nextOngoing(bits); b != nil {
		return b
	}

	if m.startRarestPiece(bits) {
		if b := m.nextOngoing(bits); b != nil {
			return b
		}
	}

	return nil
}

func (m *Manager) reissueExpired(bits []bool) *Block {
	now := m.now()

	for i := range m.pending {
		req := &m.pending[i]
		if now.Before(req.expires) {
			continue
		}
		if req.block.PieceIndex >= len(bits) || !bits[req.block.PieceIndex] {
			continue
		}

		req.expires = now.Add(MaxPendingTime)
		m.log.Info("re-issuing block piece=%d offset=%d", req.block.PieceIndex, req.block.Offset)
		return req.block
	}

	return nil
}

func (m *Manager) nextOngoing(bits []bool) *Block {
	for _, piece := range m.ongoing {
		if piece.Index >= len(bits) || !bits[piece.Index] {
			continue
		}

		for _, b := range piece.Blocks {
			if b.Status == Missing {
				b.Status = Pending
				m.pending = append(m.pending, pendingRequest{block: b, expires: m.now().Add(MaxPendingTime)})
				return b
			}
		}
	}

	return nil
}

// startRarestPiece moves the rarest piece (by owner count across m.peers)
// that peerID advertises from missing to ongoing. Returns false if the
// peer has nothing left in missing.
func (m *Manager) startRarestPiece(bits []bool) bool {
	var best *Piece
	bestOwners := -1
	bestIdx := -1

	for i, piece := range m.missing {
		if piece.Index >= len(bits) || !bits[piece.Index] {
			continue
		}

		owners := 0
		for _, peerBits := range m.peers {
			if piece.Index < len(peerBits) && peerBits[piece.Index] {
				owners++
			}
		}

		if best == nil || owners < bestOwners {
			best, bestOwners, bestIdx = piece, owners, i
		}
	}

	if best == nil {
		return false
	}

	m.missing = append(m.missing[:bestIdx], m.missing[bestIdx+1:]...)
	m.ongoing = append(m.ongoing, best)
	return true
}

// BlockReceived records block data arriving for (pieceIndex, blockOffset)
// from remoteID. If the piece is now complete, its hash is checked: on a
// match the piece is written to disk and moved to have; on a mismatch
// every block of the piece is reset to Missing so it can be re-requested.
func (m *Manager) BlockReceived(remoteID string, pieceIndex int, blockOffset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, req := range m.pending {
		if req.block.PieceIndex == pieceIndex && req.block.Offset == blockOffset {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	var piece *Piece
	var ongoingIdx int
	for i, p := range m.ongoing {
		if p.Index == pieceIndex {
			piece, ongoingIdx = p, i
			break
		}
	}

	if piece == nil {
		m.log.Fail("stale block arrival for piece %d from %s, ignoring", pieceIndex, remoteID)
		return nil
	}

	var block *Block
	for _, b := range piece.Blocks {
		if b.Offset == blockOffset {
			block = b
			break
		}
	}
	if block == nil {
		m.log.Fail("unknown block offset %d for piece %d from %s, ignoring", blockOffset, pieceIndex, remoteID)
		return nil
	}

	block.Data = data
	block.Status = Retrieved

	if !piece.IsComplete() {
		return nil
	}

	if !piece.IsHashMatching() {
		m.log.Fail("hash mismatch for piece %d, discarding and re-requesting", pieceIndex)
		piece.Reset()
		return nil
	}

	if err := m.writePiece(piece); err != nil {
		return err
	}

	m.ongoing = append(m.ongoing[:ongoingIdx], m.ongoing[ongoingIdx+1:]...)
	m.have = append(m.have, piece)

	m.log.Info("piece %d verified (%d/%d)", pieceIndex, len(m.have), m.torrent.NumPieces())

	return nil
}

func (m *Manager) writePiece(piece *Piece) error {
	offset := int64(piece.Index) * m.torrent.PieceLength
	if _, err := m.file.WriteAt(piece.Data(), offset); err != nil {
		return fmt.Errorf("pieces: writing piece %d at offset %d: %w: %v", piece.Index, offset, bterrors.ErrStorage, err)
	}
	return nil
}
