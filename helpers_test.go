package mrdb

import (
	"context"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andreyvit/mrdb/journal/journaltest"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testStore struct {
	*Store
	T     testing.TB
	Clock *testClock
	opt   Options
}

var allBackends = []Backend{Memory, Bolt, Pebble}

func forEachBackend(t *testing.T, f func(t *testing.T, s *testStore)) {
	for _, b := range allBackends {
		t.Run(b.String(), func(t *testing.T) {
			f(t, setup(t, b))
		})
	}
}

func setup(t testing.TB, backend Backend) *testStore {
	t.Helper()
	clock := newTestClock()
	opt := Options{
		Backend:   backend,
		Logger:    journaltest.TestLogger(t),
		IsTesting: true,
		Now:       clock.Now,
	}
	switch backend {
	case Memory:
		opt.WALDir = filepath.Join(t.TempDir(), "wal")
	case Bolt:
		opt.Path = filepath.Join(t.TempDir(), "test.db")
	case Pebble:
		opt.Path = filepath.Join(t.TempDir(), "pebble")
	}
	ts := &testStore{T: t, Clock: clock, opt: opt}
	ts.Store = must(Open(opt))
	t.Cleanup(func() {
		ensure(ts.Store.Close())
	})
	return ts
}

// Reopen closes the store and opens it again over the same files.
func (s *testStore) Reopen() {
	ensure(s.Store.Close())
	s.Store = must(Open(s.opt))
}

func (s *testStore) Write(f func(a *Accessor)) {
	s.T.Helper()
	err := s.Batch(context.Background(), func(a *Accessor) error {
		f(a)
		return nil
	})
	if err != nil {
		s.T.Fatalf("** batch failed: %v", err)
	}
}

func (s *testStore) Read(f func(a *Accessor)) {
	s.T.Helper()
	err := s.View(context.Background(), func(a *Accessor) error {
		f(a)
		return nil
	})
	if err != nil {
		s.T.Fatalf("** view failed: %v", err)
	}
}

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func nonNil[T any](v T) T {
	if any(v) == nil {
		panic("nil")
	}
	return v
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func raw(s string) []byte {
	return []byte(s)
}
