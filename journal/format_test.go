package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
)

func TestDecodeRecord_Prefixes(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	enc := appendRecord(nil, Checkpoint, ts, []byte("payload"))

	rec, n := decodeRecord(enc)
	if n != len(enc) {
		t.Fatalf("decodeRecord consumed %d of %d bytes", n, len(enc))
	}
	if rec.Kind != Checkpoint || !rec.Timestamp.Equal(ts) || !bytes.Equal(rec.Data, []byte("payload")) {
		t.Errorf("decoded %+v", rec)
	}

	for i := range len(enc) {
		if _, n := decodeRecord(enc[:i]); n != 0 {
			t.Errorf("decodeRecord accepted a %d-byte prefix", i)
		}
	}
	for i := range len(enc) {
		bad := bytes.Clone(enc)
		bad[i] ^= 0x40
		if _, n := decodeRecord(bad); n == len(enc) {
			t.Errorf("decodeRecord accepted a flip at byte %d", i)
		}
	}
}

func TestDecodeHeader(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	enc := appendHeader(nil, 42, created)
	if len(enc) != headerSize {
		t.Fatalf("header is %d bytes, wanted %d", len(enc), headerSize)
	}
	h, err := decodeHeader(enc)
	if err != nil {
		t.Fatal(err)
	}
	if h.FirstSeq != 42 || h.Created != created.UnixMilli() {
		t.Errorf("decoded %+v", h)
	}

	if _, err := decodeHeader(enc[:headerSize-1]); err != errTorn {
		t.Errorf("short header: %v", err)
	}
	bad := bytes.Clone(enc)
	bad[20] ^= 1
	if _, err := decodeHeader(bad); err != errTorn {
		t.Errorf("flipped header: %v", err)
	}
}

func TestDecodeHeader_FutureVersion(t *testing.T) {
	enc := appendHeader(nil, 1, time.Now())
	enc[8] = version + 1
	binary.LittleEndian.PutUint64(enc[headerSize-checksumSize:], xxhash.Sum64(enc[:headerSize-checksumSize]))
	if _, err := decodeHeader(enc); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("err = %v, wanted ErrUnsupportedVersion", err)
	}
}
