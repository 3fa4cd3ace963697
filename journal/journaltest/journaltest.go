// Package journaltest has helpers for tests that write journals or need a
// logger bound to the test.
package journaltest

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/mrdb/journal"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestJournal is a journal in a temporary directory with a manual clock.
type TestJournal struct {
	*journal.Writer

	T    testing.TB
	Dir  string
	Opts journal.Options

	now time.Time
}

func Open(t testing.TB, o journal.Options) *TestJournal {
	j := &TestJournal{
		T:   t,
		Dir: t.TempDir(),
		now: Start,
	}
	if o.FileName == "" {
		o.FileName = "j-*.wal"
	}
	o.Now = func() time.Time { return j.now }
	o.Logger = TestLogger(t)
	o.Verbose = true
	o.NoSync = true
	j.Opts = o

	j.Reopen()
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Error(err)
		}
	})
	return j
}

// Reopen closes the writer, if any, and opens the journal again.
func (j *TestJournal) Reopen() journal.ReadStats {
	j.T.Helper()
	if j.Writer != nil {
		if err := j.Close(); err != nil {
			j.T.Fatalf("Close: %v", err)
		}
	}
	w, st, err := journal.Open(j.Dir, j.Opts, nil)
	if err != nil {
		j.T.Fatalf("Open: %v", err)
	}
	j.Writer = w
	return st
}

// Records reads back every record without modifying the journal.
func (j *TestJournal) Records() []journal.Record {
	j.T.Helper()
	var recs []journal.Record
	_, err := journal.ReadAll(j.Dir, j.Opts, func(rec journal.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		j.T.Fatalf("ReadAll: %v", err)
	}
	return recs
}

// Payloads returns the data of every record as strings.
func (j *TestJournal) Payloads() []string {
	var out []string
	for _, rec := range j.Records() {
		out = append(out, string(rec.Data))
	}
	return out
}

func (j *TestJournal) Now() time.Time {
	return j.now
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

func (j *TestJournal) FileNames() []string {
	j.T.Helper()
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		j.T.Fatal(err)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

func (j *TestJournal) Data(fileName string) []byte {
	j.T.Helper()
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		j.T.Fatalf("reading %v: %v", fileName, err)
	}
	return b
}

func (j *TestJournal) Put(fileName string, data []byte) {
	j.T.Helper()
	if err := os.WriteFile(filepath.Join(j.Dir, fileName), data, 0o644); err != nil {
		j.T.Fatal(err)
	}
}

// Chop removes the last n bytes of the file, simulating a torn write.
func (j *TestJournal) Chop(fileName string, n int) {
	j.T.Helper()
	data := j.Data(fileName)
	j.Put(fileName, data[:len(data)-n])
}

// Flip inverts one byte of the file; negative offsets count from the end.
func (j *TestJournal) Flip(fileName string, off int) {
	j.T.Helper()
	data := j.Data(fileName)
	if off < 0 {
		off += len(data)
	}
	data[off] ^= 0xFF
	j.Put(fileName, data)
}

func TestLogger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}
