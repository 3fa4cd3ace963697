/*
Package mrdb implements the storage side of a document database with
map-reduce indexes, on top of a sorted key-value store (in-memory, Bolt or
Pebble).

We implement:

1. Documents and attachments, versioned by etags, with tombstones for deletes
and optional multi-operation transactions that lock the documents they touch.

2. Index stats: per-index progress (last indexed etag and time) and
attempt/success/error counters.

3. Map-reduce results: map output rows, a schedule of groups to reduce, and
partial reduce results at levels 1 and 2.

4. A staleness oracle answering whether an index has caught up with the
documents.

All of it is accessed through an Accessor bound to a batch; see Store.Batch
and Store.View. Running map and reduce functions is up to the caller; package
indexing does that.

# Technical Details

**Etags.**
An etag is 16 bytes: a restart counter and a sequence, both big-endian. The
restart counter is bumped and persisted every time the store opens, so etags
keep increasing across restarts without persisting the sequence.

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively, the memory backend keeps a map per bucket, and Pebble simulates
them with key prefixes.
Every index gets its own nested bucket in each of mapped, mapped_by_doc,
mapped_by_etag, reduced and scheduled, named by the case-folded index name,
so dropping an index is dropping five buckets.

**Reduce buckets.**
A document hashes into one of MapBucketCount level-0 buckets. Level-1 buckets
group ReduceBucketFanIn level-0 buckets each, and level 2 has a single bucket.
Changing one document only re-reduces its own bucket chain.

**Memory backend durability.**
With Options.WALDir set, every commit appends its op log to a journal (see
package journal), and every WALCheckpointEvery commits the whole state is
written as a checkpoint that lets older segments go.

## Binary encoding

**Key encoding.**
Keys are tuples of strings, integers and etags, encoded so that byte order is
tuple order: strings escape 0x00 as 0x00 0xFF and end with 0x00 0x00,
integers are 4 bytes big-endian, etags are 16 bytes (or their complement, for
newest-first order).

**Values** are msgpack of the row struct.

**Identifiers** (document keys, index names) are compared case-insensitively;
keys store their Unicode case fold, values keep the original spelling.
*/
package mrdb
