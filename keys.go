package mrdb

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/cases"
)

// foldKey normalizes a case-insensitive identifier (document key, index name)
// into the form used inside storage keys.
func foldKey(s string) string {
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Fold().String(s)
}

func sameKey(a, b string) bool {
	return a == b || foldKey(a) == foldKey(b)
}

// Key components are encoded so that bytewise order of encoded keys equals
// the component-wise order of the values, and no encoded component is a
// prefix of another:
//
//   - string: bytes with 0x00 escaped as 0x00 0xFF, terminated by 0x00 0x00;
//   - uint32: 4 bytes big-endian;
//   - etag: 16 raw bytes, or bitwise-inverted for descending order.
const (
	keyStringEscape = 0x00
	keyStringEscNul = 0xFF
	keyStringEnd    = 0x00
)

func appendKeyString(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == keyStringEscape {
			buf = append(buf, keyStringEscape, keyStringEscNul)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, keyStringEscape, keyStringEnd)
}

func appendKeyUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendKeyInt(buf []byte, v int) []byte {
	if v < 0 || v > 0xFFFF_FFFF {
		panic("key integer out of range")
	}
	return appendKeyUint32(buf, uint32(v))
}

func appendKeyEtag(buf []byte, e Etag) []byte {
	return append(buf, e[:]...)
}

func appendKeyEtagDesc(buf []byte, e Etag) []byte {
	for _, b := range e {
		buf = append(buf, ^b)
	}
	return buf
}

type keyDecoder struct {
	byteDecoder
}

func makeKeyDecoder(key []byte) keyDecoder {
	return keyDecoder{makeByteDecoder(key)}
}

func (d *keyDecoder) Str() (string, error) {
	var buf strings.Builder
	b := d.rest
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != keyStringEscape {
			buf.WriteByte(c)
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case keyStringEnd:
			d.rest = b[i+2:]
			return buf.String(), nil
		case keyStringEscNul:
			buf.WriteByte(0)
			i++
		default:
			return "", dataErrf(d.orig, d.off()+i, nil, "invalid escape in key string")
		}
	}
	return "", dataErrf(d.orig, d.off(), nil, "unterminated key string")
}

func (d *keyDecoder) Uint32() (uint32, error) {
	raw, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (d *keyDecoder) Int() (int, error) {
	v, err := d.Uint32()
	return int(v), err
}

func (d *keyDecoder) Etag() (Etag, error) {
	var e Etag
	raw, err := d.take(len(e))
	if err != nil {
		return e, err
	}
	copy(e[:], raw)
	return e, nil
}

func (d *keyDecoder) EtagDesc() (Etag, error) {
	e, err := d.Etag()
	for i := range e {
		e[i] = ^e[i]
	}
	return e, err
}

func (d *keyDecoder) Done() error {
	if len(d.rest) != 0 {
		return dataErrf(d.orig, d.off(), nil, "%d unexpected trailing bytes in key", len(d.rest))
	}
	return nil
}

// prefixEnd returns the smallest key that sorts after every key starting with
// prefix, or nil if there is no such key.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
