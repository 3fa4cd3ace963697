// Package journal is the write-ahead log of the in-memory backend: a sequence
// of numbered records stored in segment files.
//
// A record is either a commit (one change set) or a checkpoint (a full state
// that supersedes every record before it). Writing a checkpoint starts a new
// segment and deletes the older ones, so the journal never grows much beyond
// one state plus the commits since.
//
// Segment format:
//
//   - segment = header record*
//   - header = magic:64 version:8 reserved:56 firstSeq:64 created:64 checksum:64
//   - record = kind:8 size:uvarint timestamp:uvarint data checksum:64
//
// Fixed-size integers are little-endian, timestamps are Unix milliseconds,
// checksums are xxhash64 of the preceding bytes of the header or record.
// Records are numbered sequentially across segments; a segment is named after
// the number of its first record.
//
// A crash can leave a torn record at the end of the last segment. Open cuts it
// off; damage anywhere else is reported as ErrCorrupted.
package journal

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrCorrupted          = errors.New("journal corrupted")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrClosed             = errors.New("journal closed")
	errTorn               = errors.New("torn write")
)

type Kind uint8

const (
	Commit     Kind = 1
	Checkpoint Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Commit:
		return "commit"
	case Checkpoint:
		return "checkpoint"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Record struct {
	Seq       uint64
	Kind      Kind
	Timestamp time.Time
	Data      []byte
}

type Options struct {
	// FileName is the segment file name pattern; * is replaced with the
	// first record number. Defaults to "journal-*.wal".
	FileName string

	// MaxFileSize makes the writer start a new segment once the current one
	// grows past it.
	MaxFileSize int64

	Now     func() time.Time
	Logger  *slog.Logger
	Verbose bool

	// NoSync skips fdatasync after writes. Only for tests.
	NoSync bool
}

const (
	DefaultFileName    = "journal-*.wal"
	DefaultMaxFileSize = 16 << 20
)

const (
	magic        uint64 = 0x314c41574244524d // "MRDBWAL1"
	version      uint8  = 1
	headerSize          = 40
	checksumSize        = 8
)

type segmentHeader struct {
	Magic    uint64
	Version  uint8
	_        [7]byte
	FirstSeq uint64
	Created  int64
	Checksum uint64
}

func appendHeader(buf []byte, firstSeq uint64, created time.Time) []byte {
	start := len(buf)
	buf, err := binary.Append(buf, binary.LittleEndian, &segmentHeader{
		Magic:    magic,
		Version:  version,
		FirstSeq: firstSeq,
		Created:  created.UnixMilli(),
	})
	if err != nil {
		panic(err)
	}
	h := buf[start:]
	binary.LittleEndian.PutUint64(h[headerSize-checksumSize:], xxhash.Sum64(h[:headerSize-checksumSize]))
	return buf
}

// decodeHeader returns errTorn for a header that was never fully written.
func decodeHeader(data []byte) (segmentHeader, error) {
	var h segmentHeader
	if len(data) < headerSize {
		return h, errTorn
	}
	if _, err := binary.Decode(data[:headerSize], binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != magic || h.Checksum != xxhash.Sum64(data[:headerSize-checksumSize]) {
		return h, errTorn
	}
	if h.Version != version {
		return h, fmt.Errorf("%w %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}

func appendRecord(buf []byte, kind Kind, ts time.Time, data []byte) []byte {
	start := len(buf)
	buf = append(buf, byte(kind))
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(max(0, ts.UnixMilli())))
	buf = append(buf, data...)
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf[start:]))
}

// decodeRecord parses the record at the start of b and returns its encoded
// length, or 0 if b does not start with a complete valid record. Data aliases b.
func decodeRecord(b []byte) (Record, int) {
	var rec Record
	if len(b) == 0 {
		return rec, 0
	}
	rec.Kind = Kind(b[0])
	if rec.Kind != Commit && rec.Kind != Checkpoint {
		return rec, 0
	}
	off := 1
	size, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return rec, 0
	}
	off += n
	ms, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return rec, 0
	}
	off += n
	avail := len(b) - off - checksumSize
	if avail < 0 || size > uint64(avail) {
		return rec, 0
	}
	end := off + int(size)
	if binary.LittleEndian.Uint64(b[end:]) != xxhash.Sum64(b[:end]) {
		return rec, 0
	}
	rec.Timestamp = time.UnixMilli(int64(ms)).UTC()
	rec.Data = b[off:end]
	return rec, end + checksumSize
}

type segment struct {
	name     string
	firstSeq uint64
}

type dir struct {
	path    string
	prefix  string
	suffix  string
	logger  *slog.Logger
	verbose bool
}

func newDir(path string, o *Options) *dir {
	if o.FileName == "" {
		o.FileName = DefaultFileName
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	prefix, suffix, found := strings.Cut(o.FileName, "*")
	if !found {
		panic(fmt.Errorf("journal file name %q has no *", o.FileName))
	}
	return &dir{
		path:    path,
		prefix:  prefix,
		suffix:  suffix,
		logger:  o.Logger,
		verbose: o.Verbose,
	}
}

func (d *dir) segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s%016x%s", d.prefix, firstSeq, d.suffix)
}

func (d *dir) file(name string) string {
	return filepath.Join(d.path, name)
}

// segments lists segment files ordered by their first record number. A
// missing directory has no segments.
func (d *dir) segments() ([]segment, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segs []segment
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || len(name) < len(d.prefix)+len(d.suffix) || !strings.HasPrefix(name, d.prefix) || !strings.HasSuffix(name, d.suffix) {
			continue
		}
		mid := name[len(d.prefix) : len(name)-len(d.suffix)]
		seq, err := strconv.ParseUint(mid, 16, 64)
		if err != nil || len(mid) != 16 {
			d.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: ignoring unexpected file", slog.String("file", name))
			continue
		}
		segs = append(segs, segment{name: name, firstSeq: seq})
	}
	slices.SortFunc(segs, func(a, b segment) int {
		return cmp.Compare(a.firstSeq, b.firstSeq)
	})
	return segs, nil
}

// SegmentNames lists the segment files of the journal in path, oldest first.
func SegmentNames(path string, o Options) ([]string, error) {
	segs, err := newDir(path, &o).segments()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(segs))
	for i, seg := range segs {
		names[i] = seg.name
	}
	return names, nil
}
