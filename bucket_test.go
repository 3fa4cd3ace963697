package mrdb

import "testing"

func TestMapBucket(t *testing.T) {
	b := MapBucket("orders/1")
	if b < 0 || b >= MapBucketCount {
		t.Fatalf("MapBucket = %d, out of range", b)
	}
	deepEqual(t, MapBucket("orders/1"), b)
	deepEqual(t, MapBucket("ORDERS/1"), b)

	spread := make(map[int]bool)
	for i := range 100 {
		spread[MapBucket("orders/"+string(rune('a'+i%26))+string(rune('0'+i/26)))] = true
	}
	if len(spread) < 90 {
		t.Errorf("100 keys landed in only %d buckets", len(spread))
	}
}

func TestNextLevelBucket(t *testing.T) {
	deepEqual(t, NextLevelBucket(0, 0), 0)
	deepEqual(t, NextLevelBucket(0, 1023), 0)
	deepEqual(t, NextLevelBucket(0, 1024), 1)
	deepEqual(t, NextLevelBucket(0, MapBucketCount-1), ReduceBucketFanIn-1)
	deepEqual(t, NextLevelBucket(1, 1023), 0)
}
