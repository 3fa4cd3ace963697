package mrdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Backend int

const (
	Memory Backend = iota
	Bolt
	Pebble
)

func (b Backend) String() string {
	switch b {
	case Memory:
		return "memory"
	case Bolt:
		return "bolt"
	case Pebble:
		return "pebble"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "memory", "mem":
		return Memory, nil
	case "bolt", "bbolt":
		return Bolt, nil
	case "pebble":
		return Pebble, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

type Options struct {
	Backend Backend

	// Path is the Bolt file or the Pebble directory.
	Path string

	// WALDir makes the memory backend durable.
	WALDir string

	// WALCheckpointEvery is the number of commits after which the memory
	// backend writes its full state to the WAL and drops older segments.
	WALCheckpointEvery int

	// ReadOnly opens an existing store without writing anything to it, not
	// even the restart counter. Batches fail with ErrReadOnly.
	ReadOnly bool

	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	NoSync    bool
	MmapSize  int

	// Now defaults to time.Now.
	Now func() time.Time

	// MaxConflictRetries limits how many times a batch is re-run after losing
	// a write conflict. Zero means the default.
	MaxConflictRetries int
}

const defaultMaxConflictRetries = 64

// Store is the storage instance: one backend, one etag generator, and the
// accessor set shared by every batch.
type Store struct {
	st      storage
	backend Backend
	etags   *EtagGenerator
	logger  *slog.Logger
	verbose bool
	now     func() time.Time
	retries int

	readOnly bool
	closed   atomic.Bool

	BatchCount    atomic.Uint64
	ConflictCount atomic.Uint64
	ViewCount     atomic.Uint64
	FailureCount  atomic.Uint64
}

// Root buckets; per-index data lives in nested buckets named by the folded
// index name.
const (
	metaBucket              = "meta"
	docsBucket              = "docs"
	docsByEtagBucket        = "docs_by_etag"
	tombstonesBucket        = "tombstones"
	docLocksBucket          = "doc_locks"
	txBucket                = "tx"
	txDocsBucket            = "tx_docs"
	attachmentsBucket       = "attachments"
	attachmentsByEtagBucket = "attachments_by_etag"
	attTombstonesBucket     = "attachment_tombstones"
	indexStatsBucket        = "index_stats"
	indexReduceStatsBucket  = "index_reduce_stats"
	indexTouchesBucket      = "index_touches"
	tasksBucket             = "tasks"

	mappedBucket       = "mapped"
	mappedByDocBucket  = "mapped_by_doc"
	mappedByEtagBucket = "mapped_by_etag"
	reducedBucket      = "reduced"
	scheduledBucket    = "scheduled"
)

var rootBuckets = []string{
	metaBucket, docsBucket, docsByEtagBucket, tombstonesBucket, docLocksBucket,
	txBucket, txDocsBucket, attachmentsBucket, attachmentsByEtagBucket,
	attTombstonesBucket, indexStatsBucket, indexReduceStatsBucket,
	indexTouchesBucket, tasksBucket,
}

var indexBuckets = []string{
	mappedBucket, mappedByDocBucket, mappedByEtagBucket, reducedBucket, scheduledBucket,
}

var (
	metaRestartsKey           = []byte("restarts")
	metaLastDocumentEtagKey   = []byte("last_document_etag")
	metaLastAttachmentEtagKey = []byte("last_attachment_etag")
)

func Open(opt Options) (*Store, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.MaxConflictRetries == 0 {
		opt.MaxConflictRetries = defaultMaxConflictRetries
	}

	var st storage
	var err error
	switch opt.Backend {
	case Memory:
		st, err = openMemStorage(memStorageOptions{
			WALDir:          opt.WALDir,
			CheckpointEvery: opt.WALCheckpointEvery,
			NoSync:          opt.NoSync || opt.IsTesting,
			ReadOnly:        opt.ReadOnly,
			Logger:          opt.Logger,
			Verbose:         opt.Verbose,
			Now:             opt.Now,
		})
	case Bolt:
		st, err = openBoltStorage(opt.Path, boltStorageOptions{
			IsTesting: opt.IsTesting,
			NoSync:    opt.NoSync,
			ReadOnly:  opt.ReadOnly,
			MmapSize:  opt.MmapSize,
		})
	case Pebble:
		st, err = openPebbleStorage(opt.Path, pebbleStorageOptions{
			IsTesting: opt.IsTesting,
			NoSync:    opt.NoSync,
			ReadOnly:  opt.ReadOnly,
		})
	default:
		err = fmt.Errorf("unknown backend %v", opt.Backend)
	}
	if err != nil {
		return nil, storageErrf(err, "opening %v storage", opt.Backend)
	}

	var restarts uint64
	if opt.ReadOnly {
		restarts, err = loadRestarts(st)
	} else {
		restarts, err = bumpRestarts(st)
	}
	if err != nil {
		return nil, multierror.Append(err, st.Close()).ErrorOrNil()
	}

	s := &Store{
		st:      st,
		backend: opt.Backend,
		etags:   NewEtagGenerator(restarts),
		logger:  opt.Logger,
		verbose: opt.Verbose,
		now:     opt.Now,
		retries: opt.MaxConflictRetries,

		readOnly: opt.ReadOnly,
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "mrdb: opened", slog.String("backend", opt.Backend.String()), slog.Uint64("restarts", restarts))
	return s, nil
}

// loadRestarts reads the restart counter of a store that must not be written.
func loadRestarts(st storage) (uint64, error) {
	stx, err := st.BeginTx(false)
	if err != nil {
		return 0, storageErrf(err, "begin")
	}
	defer stx.Rollback()

	var restarts uint64
	if meta := stx.Bucket(metaBucket, ""); meta != nil {
		if raw := meta.Get(metaRestartsKey); raw != nil {
			if err := decodeValue(raw, &restarts); err != nil {
				return 0, err
			}
		}
	}
	return restarts, nil
}

// bumpRestarts creates the root buckets and durably increments the restart
// counter, so that etags issued from now on sort after every earlier one.
func bumpRestarts(st storage) (uint64, error) {
	stx, err := st.BeginTx(true)
	if err != nil {
		return 0, storageErrf(err, "begin")
	}
	defer stx.Rollback()

	for _, name := range rootBuckets {
		if _, err := stx.CreateBucket(name, ""); err != nil {
			return 0, storageErrf(err, "creating bucket %s", name)
		}
	}
	meta := stx.Bucket(metaBucket, "")

	var restarts uint64
	if raw := meta.Get(metaRestartsKey); raw != nil {
		if err := decodeValue(raw, &restarts); err != nil {
			return 0, err
		}
	}
	restarts++
	if err := meta.Put(metaRestartsKey, encodeValue(nil, restarts)); err != nil {
		return 0, storageErrf(err, "saving restart counter")
	}
	if err := stx.Commit(); err != nil {
		return 0, storageErrf(err, "commit")
	}
	return restarts, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	if err := s.st.Close(); err != nil {
		result = multierror.Append(result, storageErrf(err, "closing %v storage", s.backend))
	}
	return result.ErrorOrNil()
}

func (s *Store) Backend() Backend {
	return s.backend
}

// Etags returns the generator shared by every batch of this store.
func (s *Store) Etags() *EtagGenerator {
	return s.etags
}

func (s *Store) Logger() *slog.Logger {
	return s.logger
}

func (s *Store) Now() time.Time {
	return s.now()
}
