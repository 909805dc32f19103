package hashing

import "crypto/sha1"

// Kind names the hash function a table's sharding key uses (spec.md §4.4.1).
type Kind int

const (
	// Murmur3 is the default hasher for bigint/varchar/uuid keys.
	Murmur3 Kind = iota
	// XXH is xxHash, offered as a faster alternative.
	XXH
	// Sha1Kind hashes with SHA-1, for compatibility with clients that shard
	// the same way a prior non-Go proxy generation did.
	Sha1Kind
	// Postgres hashes with murmur3, exactly as Murmur3 does; it is not
	// PostgreSQL's internal hash_any family and is not bit-exact with the
	// server's hash (see DESIGN.md); two proxies configured identically still agree
	// with each other, which is the property routing needs.
	Postgres
)

func hasherFor(k Kind) HashFunction {
	switch k {
	case XXH:
		return &XXHash{}
	default:
		return &Murmur3Hash{}
	}
}

// Shard maps key to a shard index in [0, numShards) under the given hash
// kind. numShards <= 0 always yields shard 0 (the degenerate single-shard
// case used in tests and for omnishard tables).
func Shard(kind Kind, key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	if kind == Sha1Kind {
		sum := sha1.Sum([]byte(key))
		var h uint64
		for _, b := range sum[:8] {
			h = h<<8 | uint64(b)
		}
		return int(h % uint64(numShards))
	}
	h := hasherFor(kind).Hash(key)
	return int(h % uint64(numShards))
}

// ShardVector returns the shard owning the centroid nearest to vec under
// Euclidean distance, for pgvector-sharded tables (spec.md §4.4.1). centroids
// is indexed by shard number.
func ShardVector(vec []float64, centroids [][]float64) int {
	best, bestDist := 0, -1.0
	for shard, centroid := range centroids {
		d := euclidean(vec, centroid)
		if bestDist < 0 || d < bestDist {
			bestDist, best = d, shard
		}
	}
	return best
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
