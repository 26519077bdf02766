// Package bterrors defines the error kinds used across goleech so callers
// can branch on failure category with errors.Is instead of string matching.
package bterrors

import "errors"

// Sentinel kinds, wrapped with fmt.Errorf("...: %w", Kind) at the call site.
var (
	// ErrMetainfo marks a torrent file that does not bdecode or is missing
	// required fields. Fatal to startup.
	ErrMetainfo = errors.New("metainfo error")

	// ErrTracker marks a non-200 HTTP response, decode failure, explicit
	// "failure reason", or unsupported dictionary peer list. Recoverable:
	// the coordinator retries on the next announce tick.
	ErrTracker = errors.New("tracker error")

	// ErrProtocol marks an invalid handshake, info_hash mismatch, or
	// malformed frame. Drops that peer connection only.
	ErrProtocol = errors.New("protocol error")

	// ErrTransport marks a connection refused/reset/closed/timeout. Drops
	// that peer connection only.
	ErrTransport = errors.New("transport error")

	// ErrStorage marks a file open/write/seek failure. Fatal: aborts the
	// download.
	ErrStorage = errors.New("storage error")
)
