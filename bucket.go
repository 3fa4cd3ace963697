package mrdb

import "github.com/cespare/xxhash/v2"

const (
	// MapBucketCount is the number of level-0 buckets map output is spread over.
	MapBucketCount = 1024 * 1024

	// ReduceBucketFanIn is how many level-0 buckets feed one level-1 bucket.
	ReduceBucketFanIn = 1024

	// MaxReduceLevel is the level whose rows hold final aggregates.
	MaxReduceLevel = 2
)

// MapBucket assigns a document to a bucket. Identifiers are case-insensitive,
// so the hash is taken over the folded form.
func MapBucket(docID string) int {
	return int(xxhash.Sum64String(foldKey(docID)) % MapBucketCount)
}

// NextLevelBucket returns the bucket that the output of reducing (level,
// bucket) is written to at level+1.
func NextLevelBucket(level, bucket int) int {
	switch level {
	case 0:
		return bucket / ReduceBucketFanIn
	default:
		return 0
	}
}
