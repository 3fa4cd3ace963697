package mrdb

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Document struct {
	Key          string          `msgpack:"k"`
	Data         json.RawMessage `msgpack:"d"`
	Metadata     json.RawMessage `msgpack:"m,omitempty"`
	Etag         Etag            `msgpack:"e"`
	LastModified time.Time       `msgpack:"t"`

	// LockedBy is the ID of a live transaction holding the document, if any.
	LockedBy string `msgpack:"-"`
}

type PutResult struct {
	Key  string
	Etag Etag
}

// Tombstone records a deleted document or attachment for replication.
type Tombstone struct {
	Key       string          `msgpack:"k"`
	Etag      Etag            `msgpack:"e"`
	DeletedAt time.Time       `msgpack:"t"`
	Metadata  json.RawMessage `msgpack:"m,omitempty"`
}

// TransactionInfo identifies a multi-operation transaction. Documents
// modified in it stay locked until commit, rollback or Timeout.
type TransactionInfo struct {
	ID      string
	Timeout time.Duration
}

// NewTransactionInfo starts a transaction with a random ID.
func NewTransactionInfo(timeout time.Duration) TransactionInfo {
	return TransactionInfo{ID: uuid.NewString(), Timeout: timeout}
}

type Attachment struct {
	Key          string          `msgpack:"k"`
	Data         []byte          `msgpack:"d"`
	Metadata     json.RawMessage `msgpack:"m,omitempty"`
	Etag         Etag            `msgpack:"e"`
	LastModified time.Time       `msgpack:"t"`
}

func (a *Attachment) Size() int {
	return len(a.Data)
}

type IndexStats struct {
	Name                 string    `msgpack:"n"`
	LastIndexedEtag      Etag      `msgpack:"e"`
	LastIndexedTimestamp time.Time `msgpack:"t"`
	LastQueryTimestamp   time.Time `msgpack:"q"`
	IndexingAttempts     int       `msgpack:"a"`
	IndexingErrors       int       `msgpack:"err"`
	IndexingSuccesses    int       `msgpack:"s"`

	TouchCount int          `msgpack:"-"`
	Reduce     *ReduceStats `msgpack:"-"` // nil for map-only indexes
}

func (s *IndexStats) HasReduce() bool {
	return s.Reduce != nil
}

type ReduceStats struct {
	LastReducedEtag      Etag      `msgpack:"e"`
	LastReducedTimestamp time.Time `msgpack:"t"`
	ReduceAttempts       int       `msgpack:"a"`
	ReduceErrors         int       `msgpack:"err"`
	ReduceSuccesses      int       `msgpack:"s"`
}

// IndexingWorkStats is an additive delta applied to index counters.
type IndexingWorkStats struct {
	IndexingAttempts  int
	IndexingSuccesses int
	IndexingErrors    int

	ReduceAttempts  int
	ReduceSuccesses int
	ReduceErrors    int
}

func (w IndexingWorkStats) validate(reduce bool) string {
	a, s, e := w.IndexingAttempts, w.IndexingSuccesses, w.IndexingErrors
	if reduce {
		a, s, e = w.ReduceAttempts, w.ReduceSuccesses, w.ReduceErrors
	}
	if a < 0 || s < 0 || e < 0 {
		return "negative counter in stats delta"
	}
	if a < s+e {
		return "stats delta has fewer attempts than successes and errors"
	}
	return ""
}

type IndexFailureInformation struct {
	Name      string
	Attempts  int
	Errors    int
	Successes int

	ReduceAttempts  *int
	ReduceErrors    *int
	ReduceSuccesses *int
}

const (
	invalidIndexMinAttempts = 100
	invalidIndexFailureRate = 0.15
)

func (f IndexFailureInformation) totals() (attempts, errors int) {
	attempts, errors = f.Attempts, f.Errors
	if f.ReduceAttempts != nil {
		attempts += *f.ReduceAttempts
	}
	if f.ReduceErrors != nil {
		errors += *f.ReduceErrors
	}
	return
}

func (f IndexFailureInformation) FailureRate() float64 {
	attempts, errors := f.totals()
	if attempts == 0 {
		return 0
	}
	return float64(errors) / float64(attempts)
}

// IsInvalidIndex reports an index that fails too often to keep running.
func (f IndexFailureInformation) IsInvalidIndex() bool {
	attempts, _ := f.totals()
	return attempts > invalidIndexMinAttempts && f.FailureRate() > invalidIndexFailureRate
}

// MappedResultInfo is a row of map output (Level 0) or a partial reduce
// result (Level 1 and 2). A row with nil Data returned by GetItemsToReduce
// is a placeholder for a group that lost all its rows.
type MappedResultInfo struct {
	ReduceKey    string          `msgpack:"r"`
	Bucket       int             `msgpack:"b"`
	Data         json.RawMessage `msgpack:"d"`
	Timestamp    time.Time       `msgpack:"t"`
	Etag         Etag            `msgpack:"e"`
	Level        int             `msgpack:"l,omitempty"`
	SourceBucket int             `msgpack:"sb,omitempty"`
	DocumentKey  string          `msgpack:"doc,omitempty"`
}

func (r *MappedResultInfo) Size() int {
	return len(r.Data)
}

func (r *MappedResultInfo) IsPlaceholder() bool {
	return r.Data == nil
}

type ReduceKeyAndBucket struct {
	ReduceKey string
	Bucket    int
}

type ReduceKeyAndCount struct {
	ReduceKey string
	Count     int
}

// ScheduledReductionKey identifies one schedule row.
type ScheduledReductionKey struct {
	Index     string
	Level     int
	ReduceKey string
	Bucket    int
	Etag      Etag
}

type ScheduledReductionInfo struct {
	Index     string    `msgpack:"i"`
	Level     int       `msgpack:"l"`
	ReduceKey string    `msgpack:"r"`
	Bucket    int       `msgpack:"b"`
	Etag      Etag      `msgpack:"e"`
	Timestamp time.Time `msgpack:"t"`
}

func (s *ScheduledReductionInfo) Key() ScheduledReductionKey {
	return ScheduledReductionKey{s.Index, s.Level, s.ReduceKey, s.Bucket, s.Etag}
}

// Task is background work outstanding against an index.
type Task struct {
	ID      Etag            `msgpack:"id"`
	Index   string          `msgpack:"i"`
	Kind    string          `msgpack:"k"`
	Payload json.RawMessage `msgpack:"p,omitempty"`
	AddedAt time.Time       `msgpack:"t"`
}
