package peer

import (
	"bytes"
	"fmt"
	"io"

	"goleech/internal/bterrors"
)

const protocolName = "BitTorrent protocol"

// Handshake is the 68-byte message exchanged, both directions, before any
// framed message flows.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes the handshake: 1-byte length, protocol name, 8
// reserved zero bytes, info_hash, peer_id.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake from r, checking
// that the protocol name matches and that InfoHash equals wantInfoHash.
func ReadHandshake(r io.Reader, wantInfoHash [20]byte) (Handshake, error) {
	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peer: reading handshake: %w: %v", bterrors.ErrTransport, err)
	}

	nameLen := int(buf[0])
	if nameLen != len(protocolName) || string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, fmt.Errorf("peer: invalid protocol name in handshake: %w", bterrors.ErrProtocol)
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[1+19+8:1+19+8+20])
	copy(hs.PeerID[:], buf[1+19+8+20:])

	if !bytes.Equal(hs.InfoHash[:], wantInfoHash[:]) {
		return Handshake{}, fmt.Errorf("peer: info_hash mismatch in handshake: %w", bterrors.ErrProtocol)
	}

	return hs, nil
}
