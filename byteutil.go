package mrdb

// appendBuffer is an io.Writer appending to a caller-owned slice, so msgpack
// can encode a value right after the bytes already in it.
type appendBuffer struct {
	buf []byte
}

func (w *appendBuffer) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	return len(b), nil
}

func (w *appendBuffer) WriteByte(c byte) error {
	w.buf = append(w.buf, c)
	return nil
}

func (w *appendBuffer) WriteString(s string) (int, error) {
	w.buf = append(w.buf, s...)
	return len(s), nil
}

// byteDecoder consumes a slice front to back; orig is kept for error offsets.
type byteDecoder struct {
	orig []byte
	rest []byte
}

func makeByteDecoder(b []byte) byteDecoder {
	return byteDecoder{orig: b, rest: b}
}

func (d *byteDecoder) off() int {
	return len(d.orig) - len(d.rest)
}

func (d *byteDecoder) take(n int) ([]byte, error) {
	if len(d.rest) < n {
		return nil, dataErrf(d.orig, d.off(), nil, "truncated: wanted %d bytes, %d left", n, len(d.rest))
	}
	v := d.rest[:n:n]
	d.rest = d.rest[n:]
	return v, nil
}
