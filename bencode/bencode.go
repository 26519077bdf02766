/*
Package bencode is the thin collaborator around github.com/jackpal/bencode-go
that the rest of goleech decodes torrent files and tracker responses
through. It adds one thing the upstream library doesn't give you: the raw
byte range of a bencoded sub-dictionary, needed to compute info_hash from
the *original* bytes rather than a canonical re-encoding (some producers
emit non-canonical bencode, and re-encoding it would change the hash).
*/
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// Unmarshal decodes bencoded data from r into v, the same contract as
// encoding/json.Unmarshal.
func Unmarshal(r io.Reader, v interface{}) error {
	return bencode.Unmarshal(r, v)
}

// Marshal bencodes v and writes it to w.
func Marshal(w io.Writer, v interface{}) error {
	return bencode.Marshal(w, v)
}

// RawDictValue locates the dictionary value that follows a top-level
// bencoded string key (e.g. "4:info") in data and returns the exact byte
// range of that value, unparsed. It is used to extract the "info"
// sub-dictionary of a torrent file verbatim, so SHA-1 can be computed over
// what the producer actually wrote.
func RawDictValue(data []byte, key string) ([]byte, error) {
	prefix := []byte(fmt.Sprintf("%d:%s", len(key), key))
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("bencode: data is not a dictionary")
	}

	for pos := 1; pos < len(data) && data[pos] != 'e'; {
		keyEnd, err := skipString(data, pos)
		if err != nil {
			return nil, err
		}
		start := keyEnd
		end, err := scanValue(data, start)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(data[pos:keyEnd], prefix) {
			return data[start:end], nil
		}
		pos = end
	}

	return nil, fmt.Errorf("bencode: no %q key found", key)
}

// scanValue returns the index one past the end of the single bencoded
// value beginning at data[start].
func scanValue(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, fmt.Errorf("bencode: unexpected end of data at %d", start)
	}

	switch b := data[start]; {
	case b == 'd' || b == 'l':
		depth := 0
		for i := start; i < len(data); i++ {
			switch c := data[i]; {
			case c == 'd' || c == 'l':
				depth++
			case c == 'e':
				depth--
				if depth == 0 {
					return i + 1, nil
				}
			case c == 'i':
				j := i + 1
				for ; j < len(data) && data[j] != 'e'; j++ {
				}
				if j >= len(data) {
					return 0, fmt.Errorf("bencode: unterminated integer at %d", i)
				}
				i = j
			case c >= '0' && c <= '9':
				next, err := skipString(data, i)
				if err != nil {
					return 0, err
				}
				i = next - 1
			default:
				return 0, fmt.Errorf("bencode: invalid value tag %q at %d", c, i)
			}
		}
		return 0, fmt.Errorf("bencode: unterminated container starting at %d", start)

	case b == 'i':
		j := start + 1
		for ; j < len(data) && data[j] != 'e'; j++ {
		}
		if j >= len(data) {
			return 0, fmt.Errorf("bencode: unterminated integer at %d", start)
		}
		return j + 1, nil

	case b >= '0' && b <= '9':
		return skipString(data, start)

	default:
		return 0, fmt.Errorf("bencode: invalid value tag %q at %d", b, start)
	}
}

// skipString returns the index one past the end of the length-prefixed
// byte string beginning at data[start].
func skipString(data []byte, start int) (int, error) {
	j := start
	for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
	}

	if j >= len(data) || data[j] != ':' {
		return 0, fmt.Errorf("bencode: malformed string length at %d", start)
	}

	length, err := strconv.Atoi(string(data[start:j]))
	if err != nil {
		return 0, fmt.Errorf("bencode: invalid string length at %d: %w", start, err)
	}

	end := j + 1 + length
	if end > len(data) {
		return 0, fmt.Errorf("bencode: string length %d overruns buffer at %d", length, start)
	}

	return end, nil
}
