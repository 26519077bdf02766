package torrentfile

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"goleech/bencode"
)

func writeTestTorrent(t *testing.T, dir string, pieceLength, length int64, numPieces int) string {
	t.Helper()

	pieces := make([]byte, numPieces*HashLen)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		copy(pieces[i*HashLen:], h[:])
	}

	info := map[string]interface{}{
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"name":         "payload.bin",
		"length":       length,
	}
	root := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	path := filepath.Join(dir, "test.torrent")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := bencode.Marshal(f, root); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	return path
}

func TestParseBasic(t *testing.T) {
	dir := t.TempDir()
	path := writeTestTorrent(t, dir, 32768, 98304, 3)

	tor, err := Parse(path, dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if tor.AnnounceURL != "http://tracker.example/announce" {
		t.Errorf("AnnounceURL = %q", tor.AnnounceURL)
	}
	if tor.NumPieces() != 3 {
		t.Errorf("NumPieces() = %d, want 3", tor.NumPieces())
	}
	if tor.TotalSize != 98304 {
		t.Errorf("TotalSize = %d, want 98304", tor.TotalSize)
	}
	if tor.OutputPath != filepath.Join(dir, "payload.bin") {
		t.Errorf("OutputPath = %q", tor.OutputPath)
	}
}

func TestPieceSizeLastPieceTrim(t *testing.T) {
	// S4: piece_length=32768, total_size=40000 -> piece 0 full, piece 1 = 7232.
	dir := t.TempDir()
	path := writeTestTorrent(t, dir, 32768, 40000, 2)

	tor, err := Parse(path, dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := tor.PieceSize(0); got != 32768 {
		t.Errorf("PieceSize(0) = %d, want 32768", got)
	}
	if got := tor.PieceSize(1); got != 7232 {
		t.Errorf("PieceSize(1) = %d, want 7232", got)
	}
}

func TestParseRejectsBadPieceLayout(t *testing.T) {
	dir := t.TempDir()
	path := writeTestTorrent(t, dir, 32768, 1, 3)

	if _, err := Parse(path, dir); err == nil {
		t.Fatal("expected error for inconsistent piece layout")
	}
}

func bstr(s string) string { return strconv.Itoa(len(s)) + ":" + s }

func TestParseInfoHashIsOverRawBytes(t *testing.T) {
	// The info hash must be computed over the raw bencoded info dict as
	// it appears in the file, not a canonical re-encoding. Build the dict
	// with keys in a deliberately non-canonical order (name before length
	// before piece length), with each length prefix computed from the
	// actual substring so the framing is correct by construction.
	dir := t.TempDir()
	path := filepath.Join(dir, "noncanonical.torrent")

	pieces := make([]byte, HashLen)
	h := sha1.Sum([]byte{0})
	copy(pieces, h[:])

	announce := "http://tracker.example/announce"
	info := "d" +
		bstr("name") + bstr("data") +
		bstr("length") + "i100e" +
		bstr("piece length") + "i32768e" +
		bstr("pieces") + bstr(string(pieces)) +
		"e"
	raw := "d" + bstr("announce") + bstr(announce) + bstr("info") + info + "e"

	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	infoBytes, err := bencode.RawDictValue([]byte(raw), "info")
	if err != nil {
		t.Fatalf("RawDictValue: %v", err)
	}
	if string(infoBytes) != info {
		t.Fatalf("RawDictValue() = %q, want %q", infoBytes, info)
	}
	want := sha1.Sum(infoBytes)

	tor, err := Parse(path, dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if tor.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", tor.InfoHash, want)
	}
}
