/*
Package torrentfile parses a .torrent metainfo file into the immutable
Torrent descriptor the rest of goleech drives a download from: the
announce URL, the info_hash, the ordered per-piece SHA-1 digests and the
output path. Once constructed, a Torrent is read-only for the life of the
download.
*/
package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"goleech/bencode"
	"goleech/internal/bterrors"
)

const (
	// HashLen is the length in bytes of a SHA-1 digest: info_hash and
	// each entry of PieceHashes.
	HashLen = 20

	// RequestSize is the fixed block size used for every block except,
	// possibly, the last block of the last piece. 2^14.
	RequestSize = 16384
)

// metainfo mirrors the root dictionary of a .torrent file, tagged for
// github.com/jackpal/bencode-go the way the teacher's TorrentFile/TorrentInfo
// pair does.
type metainfo struct {
	Announce string       `bencode:"announce"`
	Comment  string       `bencode:"comment"`
	Info     metainfoInfo `bencode:"info"`
}

type metainfoInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
}

// Torrent is the immutable descriptor extracted from a parsed metainfo
// file. See spec §3.
type Torrent struct {
	AnnounceURL string
	PieceLength int64
	TotalSize   int64
	InfoHash    [HashLen]byte
	PieceHashes [][HashLen]byte
	OutputPath  string
	Name        string
}

// NumPieces returns len(PieceHashes).
func (t *Torrent) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceSize returns the size in bytes of piece i: PieceLength for every
// piece but the last, whose size is the remainder of TotalSize.
func (t *Torrent) PieceSize(i int) int64 {
	if i == t.NumPieces()-1 {
		rem := t.TotalSize - t.PieceLength*int64(t.NumPieces()-1)
		return rem
	}
	return t.PieceLength
}

// Parse loads and parses a .torrent file at path, computing info_hash from
// the raw bencoded bytes of the "info" sub-dictionary (never from a
// canonical re-encoding: some producers emit non-canonical bencode, and
// re-encoding would change the hash). outputDir is joined with the
// torrent's declared name to produce OutputPath.
func Parse(path, outputDir string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: reading %q: %w: %v", path, bterrors.ErrMetainfo, err)
	}

	var mi metainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &mi); err != nil {
		return nil, fmt.Errorf("torrentfile: decoding %q: %w: %v", path, bterrors.ErrMetainfo, err)
	}

	if mi.Announce == "" {
		return nil, fmt.Errorf("torrentfile: %q missing announce: %w", path, bterrors.ErrMetainfo)
	}

	if mi.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("torrentfile: %q has non-positive piece length: %w", path, bterrors.ErrMetainfo)
	}

	if len(mi.Info.Pieces)%HashLen != 0 {
		return nil, fmt.Errorf("torrentfile: %q pieces length %d not a multiple of %d: %w",
			path, len(mi.Info.Pieces), HashLen, bterrors.ErrMetainfo)
	}

	infoBytes, err := bencode.RawDictValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("torrentfile: extracting info dict from %q: %w: %v", path, bterrors.ErrMetainfo, err)
	}
	infoHash := sha1.Sum(infoBytes)

	numPieces := len(mi.Info.Pieces) / HashLen
	pieceHashes := make([][HashLen]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieceHashes[i][:], mi.Info.Pieces[i*HashLen:(i+1)*HashLen])
	}

	totalSize := mi.Info.Length
	if totalSize <= 0 {
		return nil, fmt.Errorf("torrentfile: %q has non-positive length (multi-file torrents are out of scope): %w",
			path, bterrors.ErrMetainfo)
	}

	if (int64(numPieces)-1)*mi.Info.PieceLength >= totalSize || totalSize > int64(numPieces)*mi.Info.PieceLength {
		return nil, fmt.Errorf("torrentfile: %q piece layout inconsistent with total size: %w", path, bterrors.ErrMetainfo)
	}

	return &Torrent{
		AnnounceURL: mi.Announce,
		PieceLength: mi.Info.PieceLength,
		TotalSize:   totalSize,
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		OutputPath:  filepath.Join(outputDir, mi.Info.Name),
		Name:        mi.Info.Name,
	}, nil
}

