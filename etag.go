package mrdb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Etag is a 128-bit version token. The high 64 bits hold the restart counter
// of the store that issued it, the low 64 bits a per-restart sequence, both
// big-endian, so byte order equals issue order.
type Etag [16]byte

// ZeroEtag sorts before every etag a generator can issue.
var ZeroEtag Etag

func MakeEtag(restarts, seq uint64) Etag {
	var e Etag
	binary.BigEndian.PutUint64(e[:8], restarts)
	binary.BigEndian.PutUint64(e[8:], seq)
	return e
}

func (e Etag) Restarts() uint64 {
	return binary.BigEndian.Uint64(e[:8])
}

func (e Etag) Sequence() uint64 {
	return binary.BigEndian.Uint64(e[8:])
}

func (e Etag) IsZero() bool {
	return e == ZeroEtag
}

func (e Etag) Compare(another Etag) int {
	return bytes.Compare(e[:], another[:])
}

func (e Etag) Less(another Etag) bool {
	return e.Compare(another) < 0
}

// Ptr is a convenience for optional etag arguments.
func (e Etag) Ptr() *Etag {
	return &e
}

// String formats the etag in the 8-4-4-4-12 layout used for GUIDs.
func (e Etag) String() string {
	var buf [36]byte
	hex.Encode(buf[0:8], e[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], e[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], e[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], e[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], e[10:])
	return string(buf[:])
}

func ParseEtag(s string) (Etag, error) {
	var e Etag
	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != 32 {
		return e, fmt.Errorf("invalid etag %q", s)
	}
	_, err := hex.Decode(e[:], []byte(raw))
	if err != nil {
		return e, fmt.Errorf("invalid etag %q: %w", s, err)
	}
	return e, nil
}

func (e Etag) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Etag) UnmarshalText(text []byte) error {
	v, err := ParseEtag(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// MarshalBinary makes msgpack store etags as 16-byte binaries instead of text.
func (e Etag) MarshalBinary() ([]byte, error) {
	return e[:], nil
}

func (e *Etag) UnmarshalBinary(data []byte) error {
	if len(data) != len(e) {
		return fmt.Errorf("invalid etag length %d", len(data))
	}
	copy(e[:], data)
	return nil
}

func maxEtag(a, b Etag) Etag {
	if a.Less(b) {
		return b
	}
	return a
}

func etagAttr(key string, e Etag) slog.Attr {
	return slog.String(key, e.String())
}

// EtagGenerator issues strictly increasing etags. Restart counter is fixed at
// construction; the store persists and bumps it before creating a generator.
type EtagGenerator struct {
	restarts uint64
	seq      atomic.Uint64
}

func NewEtagGenerator(restarts uint64) *EtagGenerator {
	return &EtagGenerator{restarts: restarts}
}

func (g *EtagGenerator) Restarts() uint64 {
	return g.restarts
}

// Next is safe for concurrent use. Two calls never return the same value.
func (g *EtagGenerator) Next() Etag {
	return MakeEtag(g.restarts, g.seq.Add(1))
}

// Last returns the most recently issued etag (or the zero sequence of the
// current restart if nothing was issued yet).
func (g *EtagGenerator) Last() Etag {
	return MakeEtag(g.restarts, g.seq.Load())
}
