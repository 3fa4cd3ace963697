package mrdb

import (
	"testing"
)

func scanStrings(b storageBucket, rang keyRange) []string {
	var result []string
	for k := range scan(b, rang) {
		result = append(result, string(k))
	}
	return result
}

func TestScan_Ranges(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), "a1", "a2", "a3", "b1", "b2", "c1")
		})
		readTx(t, st, func(tx storageTx) {
			b := tx.Bucket("root", "")
			tests := []struct {
				name string
				rang keyRange
				want []string
			}{
				{"all", keyRange{}, []string{"a1", "a2", "a3", "b1", "b2", "c1"}},
				{"all reversed", keyRange{}.Reversed(), []string{"c1", "b2", "b1", "a3", "a2", "a1"}},
				{"prefix", prefixRange(raw("a")), []string{"a1", "a2", "a3"}},
				{"prefix reversed", prefixRange(raw("b")).Reversed(), []string{"b2", "b1"}},
				{"missing prefix", prefixRange(raw("x")), nil},
				{"after", afterRange(raw("a3")), []string{"b1", "b2", "c1"}},
				{"after missing key", afterRange(raw("a35")), []string{"b1", "b2", "c1"}},
				{"from", fromRange(raw("a3")), []string{"a3", "b1", "b2", "c1"}},
				{"after within prefix", afterRange(raw("a1")).Prefixed(raw("a")), []string{"a2", "a3"}},
				{"lower before prefix", afterRange(raw("0")).Prefixed(raw("b")), []string{"b1", "b2"}},
				{"upper inclusive", keyRange{Upper: raw("b1"), UpperInc: true}, []string{"a1", "a2", "a3", "b1"}},
				{"upper exclusive", keyRange{Upper: raw("b1")}, []string{"a1", "a2", "a3"}},
				{"reverse upper exclusive", keyRange{Upper: raw("b1"), Reverse: true}, []string{"a3", "a2", "a1"}},
				{"reverse upper inclusive", keyRange{Upper: raw("b1"), UpperInc: true, Reverse: true}, []string{"b1", "a3", "a2", "a1"}},
				{"reverse lower", keyRange{Lower: raw("b1"), Reverse: true}, []string{"c1", "b2"}},
				{"reverse lower inclusive", keyRange{Lower: raw("b1"), LowerInc: true, Reverse: true}, []string{"c1", "b2", "b1"}},
				{"between", keyRange{Lower: raw("a2"), LowerInc: true, Upper: raw("b2")}, []string{"a2", "a3", "b1"}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					deepEqual(t, scanStrings(b, tt.rang), tt.want)
				})
			}
		})
	})
}

func TestScan_NilBucket(t *testing.T) {
	if got := scanStrings(nil, keyRange{}); got != nil {
		t.Errorf("scan(nil) = %v", got)
	}
}

func TestScan_EarlyBreak(t *testing.T) {
	st := openTestStorage(t, Memory)
	writeTx(t, st, func(tx storageTx) {
		fill(must(tx.CreateBucket("root", "")), "a", "b", "c")
	})
	readTx(t, st, func(tx storageTx) {
		var seen int
		for range scan(tx.Bucket("root", ""), keyRange{}) {
			seen++
			if seen == 2 {
				break
			}
		}
		deepEqual(t, seen, 2)
	})
}

func TestScanKeys_ThenDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), "a1", "a2", "b1")
		})
		writeTx(t, st, func(tx storageTx) {
			b := tx.Bucket("root", "")
			for _, k := range scanKeys(b, prefixRange(raw("a"))) {
				ensure(b.Delete(k))
			}
		})
		readTx(t, st, func(tx storageTx) {
			deepEqual(t, scanStrings(tx.Bucket("root", ""), keyRange{}), []string{"b1"})
		})
	})
}
