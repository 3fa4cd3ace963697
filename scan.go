package mrdb

import (
	"bytes"
	"iter"
)

// keyRange defines a range of keys within a bucket. The constructors use
// mnemonics: I means inclusive, E means exclusive, O means open; the first
// letter is for the lower bound, the second for the upper bound.
type keyRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func prefixRange(p []byte) keyRange { return keyRange{Prefix: p} }

// afterRange matches keys strictly greater than l.
func afterRange(l []byte) keyRange { return keyRange{Lower: l} }

// fromRange matches keys greater than or equal to l.
func fromRange(l []byte) keyRange { return keyRange{Lower: l, LowerInc: true} }

func (rang keyRange) Prefixed(p []byte) keyRange { rang.Prefix = p; return rang }
func (rang keyRange) Reversed() keyRange         { rang.Reverse = true; return rang }

func (r *keyRange) start(c storageCursor) ([]byte, []byte) {
	var k, v []byte
	var skipInitial bool
	if r.Reverse {
		if upper := r.Upper; upper != nil {
			// SeekLast lands on the last key prefixed by upper, which may
			// sort after it
			k, v = c.SeekLast(upper)
			for k != nil && r.aboveUpper(k) {
				k, v = c.Prev()
			}
		} else if r.Prefix != nil {
			k, v = c.SeekLast(r.Prefix)
		} else {
			k, v = c.Last()
		}
	} else {
		lower := r.Lower
		if lower != nil {
			skipInitial = !r.LowerInc
			if r.Prefix != nil && bytes.Compare(lower, r.Prefix) < 0 {
				lower = r.Prefix
				skipInitial = false
			}
		} else if r.Prefix != nil {
			lower = r.Prefix
		}
		if lower != nil {
			k, v = c.Seek(lower)
			if skipInitial && !bytes.Equal(k, lower) {
				skipInitial = false
			}
		} else {
			k, v = c.First()
		}
	}
	if k == nil {
		return nil, nil
	}
	if skipInitial {
		return r.next(c)
	}
	if !r.match(k) {
		return nil, nil
	}
	return k, v
}

func (r *keyRange) aboveUpper(k []byte) bool {
	cmp := bytes.Compare(k, r.Upper)
	return cmp > 0 || (cmp == 0 && !r.UpperInc)
}

func (r *keyRange) next(c storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = c.Prev()
	} else {
		k, v = c.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *keyRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp == -1 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if r.Upper != nil && r.aboveUpper(k) {
			return false
		}
	}
	return true
}

// scan iterates over the matching keys of b; a nil bucket yields nothing.
// The bucket must not be modified while scanning.
func scan(b storageBucket, rang keyRange) iter.Seq2[[]byte, []byte] {
	return func(yield func(k, v []byte) bool) {
		if b == nil {
			return
		}
		c := b.Cursor()
		for k, v := rang.start(c); k != nil; k, v = rang.next(c) {
			if !yield(k, v) {
				return
			}
		}
	}
}

// scanKeys collects matching keys, for the common scan-then-delete pattern.
func scanKeys(b storageBucket, rang keyRange) [][]byte {
	var keys [][]byte
	for k := range scan(b, rang) {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}
