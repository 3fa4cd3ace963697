package mrdb

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpDocuments
	DumpTombstones
	DumpAttachments
	DumpIndexes
	DumpMapped
	DumpReduced
	DumpScheduled
	DumpTasks

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the store contents for debugging, in a read-only snapshot.
func (s *Store) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var out string
	err := s.View(ctx, func(a *Accessor) error {
		var err error
		out, err = a.Dump(f)
		return err
	})
	return out, err
}

func (a *Accessor) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	w := &buf
	tx := a.tx

	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "store (%v, restarts %d)\n", tx.store.backend, tx.store.etags.Restarts())
	}
	if f.Contains(DumpStats) {
		for _, bs := range a.BucketStats() {
			fmt.Fprintf(w, "%s.stats: rows = %d, data_size = %d, data_alloc = %d\n", bs.Name, bs.Rows, bs.DataSize, bs.DataAlloc)
		}
	}
	if f.Contains(DumpDocuments) {
		fmt.Fprintln(w, dumpSep2)
		docs, err := a.Documents.GetDocumentsAfter(ZeroEtag, 0)
		if err != nil {
			return "", err
		}
		for i, doc := range docs {
			fmt.Fprintf(w, "docs.%d = %s %q %s\n", i+1, doc.Etag, doc.Key, doc.Data)
		}
	}
	if f.Contains(DumpTombstones) {
		ts, err := a.Documents.GetTombstonesAfter(ZeroEtag, 0)
		if err != nil {
			return "", err
		}
		for i, t := range ts {
			fmt.Fprintf(w, "tombstones.%d = %s %q\n", i+1, t.Etag, t.Key)
		}
	}
	if f.Contains(DumpAttachments) {
		atts, err := a.Attachments.GetAttachmentsAfter(ZeroEtag, 0)
		if err != nil {
			return "", err
		}
		for i, att := range atts {
			fmt.Fprintf(w, "attachments.%d = %s %q (%d bytes)\n", i+1, att.Etag, att.Key, att.Size())
		}
	}
	if !f.Contains(DumpIndexes) {
		return buf.String(), nil
	}

	indexes, err := a.Indexing.GetIndexesStats()
	if err != nil {
		return "", err
	}
	for _, st := range indexes {
		if err := a.dumpIndex(w, f, st); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (a *Accessor) dumpIndex(w *strings.Builder, f DumpFlags, st *IndexStats) error {
	prefix := "index." + st.Name
	fmt.Fprintln(w, dumpSep2)
	fmt.Fprintf(w, "%s: last_indexed = %s @ %s, attempts = %d, errors = %d, successes = %d, touches = %d\n", prefix, st.LastIndexedEtag, st.LastIndexedTimestamp.Format("2006-01-02T15:04:05.000Z07:00"), st.IndexingAttempts, st.IndexingErrors, st.IndexingSuccesses, st.TouchCount)
	if r := st.Reduce; r != nil {
		fmt.Fprintf(w, "%s.reduce: last_reduced = %s, attempts = %d, errors = %d, successes = %d\n", prefix, r.LastReducedEtag, r.ReduceAttempts, r.ReduceErrors, r.ReduceSuccesses)
	}

	sub := foldKey(st.Name)
	if f.Contains(DumpMapped) {
		rows, err := decodeRows(scan(a.tx.sub(mappedBucket, sub), keyRange{}), 0, 0)
		if err != nil {
			return err
		}
		for i, row := range rows {
			fmt.Fprintf(w, "%s.mapped.%d: %q/%d %s <= %q %s\n", prefix, i+1, row.ReduceKey, row.Bucket, row.Etag, row.DocumentKey, row.Data)
		}
	}
	if f.Contains(DumpReduced) {
		rows, err := decodeRows(scan(a.tx.sub(reducedBucket, sub), keyRange{}), 0, 0)
		if err != nil {
			return err
		}
		for i, row := range rows {
			fmt.Fprintf(w, "%s.reduced.%d: L%d %q/%d <= %d %s %s\n", prefix, i+1, row.Level, row.ReduceKey, row.Bucket, row.SourceBucket, row.Etag, row.Data)
		}
	}
	if f.Contains(DumpScheduled) {
		scheduled, err := a.MapReduce.GetScheduledReductionsForDebug(st.Name, 0, 0)
		if err != nil {
			return err
		}
		for i, s := range scheduled {
			fmt.Fprintf(w, "%s.scheduled.%d: L%d %q/%d %s\n", prefix, i+1, s.Level, s.ReduceKey, s.Bucket, s.Etag)
		}
	}
	if f.Contains(DumpTasks) {
		tasks, err := a.Tasks.GetTasks(st.Name, 0)
		if err != nil {
			return err
		}
		for i, t := range tasks {
			fmt.Fprintf(w, "%s.tasks.%d: %s %s\n", prefix, i+1, t.Kind, t.ID)
		}
	}
	return nil
}
