package mrdb

type BucketStats struct {
	Name      string
	Rows      int
	DataSize  int64
	DataAlloc int64
}

// BucketStats returns per-bucket sizes of the root buckets followed by the
// nested buckets of every index.
func (a *Accessor) BucketStats() []BucketStats {
	var result []BucketStats
	add := func(name string, b storageBucket) {
		if b == nil {
			return
		}
		bs := b.Stats()
		bs.Name = name
		result = append(result, bs)
	}
	for _, name := range rootBuckets {
		add(name, a.tx.stx.Bucket(name, ""))
	}
	for _, b := range indexBuckets {
		for _, name := range a.indexNames() {
			add(b+"/"+name, a.tx.sub(b, foldKey(name)))
		}
	}
	return result
}

// IndexBucketStats returns the sizes of the nested buckets of one index.
func (a *Accessor) IndexBucketStats(index string) []BucketStats {
	var result []BucketStats
	for _, b := range indexBuckets {
		sb := a.tx.sub(b, foldKey(index))
		if sb == nil {
			continue
		}
		bs := sb.Stats()
		bs.Name = b
		result = append(result, bs)
	}
	return result
}

func (a *Accessor) indexNames() []string {
	var names []string
	for _, v := range scan(a.tx.root(indexStatsBucket), keyRange{}) {
		var st IndexStats
		if decodeValue(v, &st) == nil {
			names = append(names, st.Name)
		}
	}
	return names
}
