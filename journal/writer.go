package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andreyvit/mrdb/mmap"
	"github.com/hashicorp/go-multierror"
)

// Writer appends records to a journal. Once a write fails the journal is
// left as is and every later call returns the same error; reopening cuts off
// whatever was partially written.
type Writer struct {
	dir         *dir
	maxFileSize int64
	now         func() time.Time
	noSync      bool

	mu      sync.Mutex
	f       *os.File
	size    int64
	nextSeq uint64
	buf     []byte
	err     error
}

// Open replays the journal in path through replay, which may be nil, and
// prepares it for appending. The directory is created if needed. A torn tail
// of the last segment is truncated away.
func Open(path string, o Options, replay func(rec Record) error) (*Writer, ReadStats, error) {
	d := newDir(path, &o)
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if replay == nil {
		replay = func(Record) error { return nil }
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, ReadStats{}, err
	}

	st, last, err := d.replay(replay)
	if err != nil {
		return nil, st, err
	}
	if last != nil {
		if err := d.repair(last); err != nil {
			return nil, st, err
		}
	}
	return &Writer{
		dir:         d,
		maxFileSize: o.MaxFileSize,
		now:         o.Now,
		noSync:      o.NoSync,
		nextSeq:     st.LastSeq + 1,
	}, st, nil
}

// repair removes a last segment without records, so that the next segment
// can take its name, or truncates a torn tail.
func (d *dir) repair(t *tail) error {
	fn := d.file(t.seg.name)
	if t.records == 0 {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: removing empty segment", slog.String("file", t.seg.name), slog.Int64("size", t.size))
		return os.Remove(fn)
	}
	if t.end < t.size {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: truncating torn tail", slog.String("file", t.seg.name), slog.Int64("offset", t.end), slog.Int64("bytes", t.size-t.end))
		return os.Truncate(fn, t.end)
	}
	return nil
}

// NextSeq returns the number the next record will get.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Append durably writes a commit record and returns its number.
func (w *Writer) Append(data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	if w.f == nil {
		if err := w.startSegment_locked(); err != nil {
			return 0, w.fail(err)
		}
	}
	seq, err := w.write_locked(Commit, data)
	if err != nil {
		return 0, err
	}
	if w.size >= w.maxFileSize {
		w.closeSegment_locked()
	}
	return seq, nil
}

// Checkpoint writes a record holding the full state into a new segment and
// deletes all older segments once it is durable.
func (w *Writer) Checkpoint(data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.closeSegment_locked()
	if w.err != nil {
		return 0, w.err
	}
	old, err := w.dir.segments()
	if err != nil {
		return 0, w.fail(err)
	}
	if err := w.startSegment_locked(); err != nil {
		return 0, w.fail(err)
	}
	seq, err := w.write_locked(Checkpoint, data)
	if err != nil {
		return 0, err
	}

	// Leftover segments only cost replay time, so failing to remove them
	// does not fail the checkpoint.
	var result *multierror.Error
	for _, seg := range old {
		if err := os.Remove(w.dir.file(seg.name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		w.dir.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: cannot remove old segments", slog.Any("err", err))
	}
	if w.dir.verbose {
		w.dir.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: checkpoint", slog.Uint64("seq", seq), slog.Int("size", len(data)), slog.Int("removed", len(old)))
	}
	return seq, nil
}

// Close closes the current segment. It returns the error that broke the
// journal, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == ErrClosed {
		return nil
	}
	w.closeSegment_locked()
	err := w.err
	w.err = ErrClosed
	return err
}

func (w *Writer) fail(err error) error {
	w.err = err
	w.dir.logger.LogAttrs(context.Background(), slog.LevelError, "journal: write failed", slog.String("dir", w.dir.path), slog.Any("err", err))
	return err
}

func (w *Writer) startSegment_locked() error {
	name := w.dir.segmentName(w.nextSeq)
	f, err := os.OpenFile(w.dir.file(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	w.buf = appendHeader(w.buf[:0], w.nextSeq, w.now())
	if _, err := f.Write(w.buf); err != nil {
		f.Close()
		return fmt.Errorf("%s: writing header: %w", name, err)
	}
	w.f = f
	w.size = int64(len(w.buf))
	if w.dir.verbose {
		w.dir.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: new segment", slog.String("file", name))
	}
	return nil
}

func (w *Writer) write_locked(kind Kind, data []byte) (uint64, error) {
	w.buf = appendRecord(w.buf[:0], kind, w.now(), data)
	if _, err := w.f.Write(w.buf); err != nil {
		return 0, w.fail(err)
	}
	w.size += int64(len(w.buf))
	if !w.noSync {
		if err := mmap.Fdatasync(w.f); err != nil {
			return 0, w.fail(err)
		}
	}
	seq := w.nextSeq
	w.nextSeq++
	return seq, nil
}

func (w *Writer) closeSegment_locked() {
	if w.f == nil {
		return
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.fail(err)
	}
	w.f = nil
	w.size = 0
}
