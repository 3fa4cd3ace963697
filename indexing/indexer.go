package indexing

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/andreyvit/mrdb"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/text/cases"
)

type Options struct {
	// BatchSize is the number of changed documents mapped per batch.
	BatchSize int

	// ReduceBatchSize is the number of groups reduced per batch.
	ReduceBatchSize int

	// Workers bounds parallel map and reduce calls. Defaults to GOMAXPROCS.
	Workers int

	Logger *slog.Logger

	// Now defaults to the store clock.
	Now func() time.Time

	// Metrics is optional.
	Metrics *Metrics
}

const (
	defaultBatchSize       = 128
	defaultReduceBatchSize = 256
)

// Indexer keeps a set of index definitions up to date with the documents of
// a store. Work on one index is serialized; different indexes can be worked
// on concurrently.
type Indexer struct {
	store *mrdb.Store
	sink  Sink
	opt   Options
	pool  *ants.Pool

	defs  *xsync.MapOf[string, *Definition]
	locks *xsync.MapOf[string, *sync.Mutex]
}

func New(store *mrdb.Store, sink Sink, opt Options) (*Indexer, error) {
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultBatchSize
	}
	if opt.ReduceBatchSize <= 0 {
		opt.ReduceBatchSize = defaultReduceBatchSize
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.GOMAXPROCS(0)
	}
	if opt.Logger == nil {
		opt.Logger = store.Logger()
	}
	if opt.Now == nil {
		opt.Now = store.Now
	}
	pool, err := ants.NewPool(opt.Workers, ants.WithPanicHandler(workerPanicHandler(opt.Logger)))
	if err != nil {
		return nil, err
	}
	return &Indexer{
		store: store,
		sink:  sink,
		opt:   opt,
		pool:  pool,
		defs:  xsync.NewMapOf[string, *Definition](),
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}, nil
}

// workerPanicHandler logs panics that escape a pool task. Map and reduce calls
// recover their own panics, so this only fires on bugs in the indexer itself.
func workerPanicHandler(logger *slog.Logger) func(any) {
	return func(v any) {
		logger.LogAttrs(context.Background(), slog.LevelError, "indexing: worker panic", slog.Any("panic", v))
	}
}

func (ix *Indexer) Close() {
	ix.pool.Release()
}

func fold(name string) string {
	return cases.Fold().String(name)
}

func (ix *Indexer) lock(name string) func() {
	mu, _ := ix.locks.LoadOrCompute(fold(name), func() *sync.Mutex {
		return new(sync.Mutex)
	})
	mu.Lock()
	return mu.Unlock
}

func (ix *Indexer) definition(name string) (*Definition, error) {
	def, ok := ix.defs.Load(fold(name))
	if !ok {
		return nil, unknownIndex(name)
	}
	return def, nil
}

// Names returns the names of the added indexes, sorted.
func (ix *Indexer) Names() []string {
	var names []string
	ix.defs.Range(func(_ string, def *Definition) bool {
		names = append(names, def.Name)
		return true
	})
	slices.Sort(names)
	return names
}

// AddIndex registers def and creates the index in the store unless it is
// already there, in which case indexing resumes where it stopped. An index
// stored with a different kind (map-only vs reduce) is rebuilt from scratch.
func (ix *Indexer) AddIndex(ctx context.Context, def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	defer ix.lock(def.Name)()

	err := ix.store.Batch(ctx, func(a *mrdb.Accessor) error {
		st, err := a.Indexing.GetIndexStats(def.Name)
		if err == nil && st.HasReduce() == def.HasReduce() {
			return nil
		} else if err != nil && !mrdb.IsNotFound(err) {
			return err
		}
		if err == nil {
			if err := a.Indexing.DeleteIndex(def.Name); err != nil {
				return err
			}
			a.OnCommit(func() {
				ix.sinkDrop(def.Name)
			})
		}
		return a.Indexing.AddIndex(def.Name, def.HasReduce())
	})
	if err != nil {
		return err
	}
	d := *def
	ix.defs.Store(fold(def.Name), &d)
	return nil
}

// DeleteIndex removes the index with all its stored data and drops it from
// the sink.
func (ix *Indexer) DeleteIndex(ctx context.Context, name string) error {
	defer ix.lock(name)()
	err := ix.store.Batch(ctx, func(a *mrdb.Accessor) error {
		st, err := a.Indexing.GetIndexStats(name)
		if err != nil {
			return err
		}
		if err := a.Indexing.DeleteIndex(name); err != nil {
			return err
		}
		a.OnCommit(func() {
			ix.sinkDrop(st.Name)
		})
		return nil
	})
	if err != nil {
		return err
	}
	ix.defs.Delete(fold(name))
	return nil
}

// Run maps and reduces every index until there is no work left.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		var work int
		var result *multierror.Error
		for _, name := range ix.Names() {
			n, err := ix.IndexDocuments(ctx, name)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			work += n
			if _, err := ix.ReduceAll(ctx, name); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
		if work == 0 {
			return nil
		}
	}
}

func (ix *Indexer) sinkIndex(index, key string, data []byte) func() {
	return func() {
		if err := ix.sink.Index(index, key, data); err != nil {
			ix.sinkFailed(index, key, err)
		}
	}
}

func (ix *Indexer) sinkDelete(index, key string) func() {
	return func() {
		if err := ix.sink.Delete(index, key); err != nil {
			ix.sinkFailed(index, key, err)
		}
	}
}

func (ix *Indexer) sinkDrop(index string) {
	if err := ix.sink.Drop(index); err != nil {
		ix.sinkFailed(index, "", err)
	}
}

func (ix *Indexer) sinkFailed(index, key string, err error) {
	ix.opt.Logger.LogAttrs(context.Background(), slog.LevelError, "indexing: sink failed", slog.String("index", index), slog.String("key", key), slog.Any("err", err))
	ix.opt.Metrics.failed(index, "sink")
}
