package peer

import (
	"bytes"
	"io"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		EncodeHave(42),
		EncodeBitField([]byte{0xFF, 0x80}),
		EncodeRequest(1, 16384, 16384),
		EncodePiece(1, 16384, []byte("hello block")),
		EncodeCancel(1, 0, 16384),
		{KeepAlive: true},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := ReadMessage(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}

		if got.KeepAlive != want.KeepAlive || got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

// chunkedReader dribbles bytes out in small, arbitrary pieces to exercise
// framing under partial reads.
type chunkedReader struct {
	data      []byte
	pos       int
	chunkSize int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunkSize
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func TestFramingPreservesBoundariesUnderArbitraryChunking(t *testing.T) {
	msgs := []Message{
		{ID: Unchoke},
		EncodeHave(7),
		EncodeRequest(2, 0, 16384),
		EncodePiece(2, 0, bytes.Repeat([]byte{0x42}, 100)),
	}

	var stream bytes.Buffer
	for _, m := range msgs {
		stream.Write(m.Encode())
	}

	for chunkSize := 1; chunkSize <= 7; chunkSize++ {
		r := &chunkedReader{data: stream.Bytes(), chunkSize: chunkSize}

		for i, want := range msgs {
			got, err := ReadMessage(r)
			if err != nil {
				t.Fatalf("chunkSize=%d msg=%d: ReadMessage: %v", chunkSize, i, err)
			}
			if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("chunkSize=%d msg=%d: got %+v, want %+v", chunkSize, i, got, want)
			}
		}
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0x7F, 0xFF, 0xFF, 0xFF}
	buf.Write(lenBuf)

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for oversized message length")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "-GL0001-abcdefghijkl")

	hs := Handshake{InfoHash: infoHash, PeerID: peerID}
	encoded := hs.Encode()

	if len(encoded) != 68 {
		t.Fatalf("encoded handshake length = %d, want 68", len(encoded))
	}

	got, err := ReadHandshake(bytes.NewReader(encoded), infoHash)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.PeerID != peerID {
		t.Fatalf("PeerID = %x, want %x", got.PeerID, peerID)
	}
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	var infoHash, other, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(other[:], "99999999999999999999")
	copy(peerID[:], "-GL0001-abcdefghijkl")

	encoded := Handshake{InfoHash: infoHash, PeerID: peerID}.Encode()

	if _, err := ReadHandshake(bytes.NewReader(encoded), other); err == nil {
		t.Fatal("expected info_hash mismatch error")
	}
}
