package journal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/andreyvit/mrdb/mmap"
)

// ReadStats describes a replayed journal.
type ReadStats struct {
	Segments int
	Records  int

	// LastSeq is the number of the last record, or of the record before the
	// first one if the journal holds none.
	LastSeq uint64

	// SinceCheckpoint counts the records after the last checkpoint.
	SinceCheckpoint int

	// TornBytes is the length of the unreadable tail of the last segment.
	TornBytes int64
}

// tail locates the end of the valid data of the last segment.
type tail struct {
	seg     segment
	end     int64
	size    int64
	records int
}

// ReadAll calls f for every record of the journal in path, in order. It does
// not modify the journal; a torn tail is skipped and reported in ReadStats.
func ReadAll(path string, o Options, f func(rec Record) error) (ReadStats, error) {
	st, _, err := newDir(path, &o).replay(f)
	return st, err
}

func (d *dir) replay(f func(rec Record) error) (ReadStats, *tail, error) {
	var st ReadStats
	segs, err := d.segments()
	if err != nil {
		return st, nil, err
	}
	var last *tail
	for i, seg := range segs {
		if seg.firstSeq == 0 {
			return st, nil, fmt.Errorf("%w: %s starts at record 0", ErrCorrupted, seg.name)
		}
		if i == 0 {
			st.LastSeq = seg.firstSeq - 1
		} else if seg.firstSeq != st.LastSeq+1 {
			return st, nil, fmt.Errorf("%w: %s starts at record %d, wanted %d", ErrCorrupted, seg.name, seg.firstSeq, st.LastSeq+1)
		}
		t, err := d.readSegment(seg, &st, f)
		if err != nil {
			return st, nil, err
		}
		st.Segments++
		if t.end < t.size {
			if i < len(segs)-1 {
				return st, nil, fmt.Errorf("%w: %s damaged at offset %d", ErrCorrupted, seg.name, t.end)
			}
			st.TornBytes = t.size - t.end
		}
		last = t
	}
	if d.verbose {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: replayed", slog.String("dir", d.path), slog.Int("segments", st.Segments), slog.Int("records", st.Records), slog.Uint64("last_seq", st.LastSeq), slog.Int64("torn", st.TornBytes))
	}
	return st, last, nil
}

func (d *dir) readSegment(seg segment, st *ReadStats, f func(rec Record) error) (*tail, error) {
	m, err := mmap.OpenReadOnly(d.file(seg.name), true)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	data := m.Data()
	t := &tail{seg: seg, size: int64(len(data))}
	h, err := decodeHeader(data)
	if err == errTorn {
		return t, nil
	} else if err != nil {
		return nil, fmt.Errorf("%s: %w", seg.name, err)
	}
	if h.FirstSeq != seg.firstSeq {
		return nil, fmt.Errorf("%w: %s has header for record %d", ErrCorrupted, seg.name, h.FirstSeq)
	}

	off := headerSize
	for off < len(data) {
		rec, n := decodeRecord(data[off:])
		if n == 0 {
			break
		}
		rec.Seq = st.LastSeq + 1
		rec.Data = slices.Clone(rec.Data)
		if err := f(rec); err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", seg.name, rec.Seq, err)
		}
		off += n
		t.records++
		st.Records++
		st.LastSeq = rec.Seq
		if rec.Kind == Checkpoint {
			st.SinceCheckpoint = 0
		} else {
			st.SinceCheckpoint++
		}
	}
	t.end = int64(off)
	return t, nil
}
