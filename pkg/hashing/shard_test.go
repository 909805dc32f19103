package hashing

import "testing"

func TestShardStable(t *testing.T) {
	s1 := Shard(Murmur3, "tenant-42", 8)
	s2 := Shard(Murmur3, "tenant-42", 8)
	if s1 != s2 {
		t.Fatalf("expected stable shard assignment, got %d and %d", s1, s2)
	}
	if s1 < 0 || s1 >= 8 {
		t.Fatalf("shard %d out of range", s1)
	}
}

func TestShardDegenerate(t *testing.T) {
	if got := Shard(Murmur3, "anything", 0); got != 0 {
		t.Fatalf("expected shard 0 for numShards<=0, got %d", got)
	}
}

func TestShardVectorNearestCentroid(t *testing.T) {
	centroids := [][]float64{{0, 0}, {10, 10}}
	shard := ShardVector([]float64{9, 9}, centroids)
	if shard != 1 {
		t.Fatalf("expected nearest centroid shard 1, got %d", shard)
	}
}
