package merge

import (
	"testing"

	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

func fields(names ...string) []wire.FieldDescription {
	out := make([]wire.FieldDescription, len(names))
	for i, n := range names {
		out[i] = wire.FieldDescription{Name: n, TypeOID: 25}
	}
	return out
}

func TestMergeOrderByStableAcrossShards(t *testing.T) {
	streams := []ShardStream{
		{Shard: 0, Fields: fields("id", "score"), Rows: [][][]byte{
			{[]byte("1"), []byte("30")},
			{[]byte("2"), []byte("10")},
		}, Tag: "SELECT 2", TxState: wire.TxStatusIdle},
		{Shard: 1, Fields: fields("id", "score"), Rows: [][][]byte{
			{[]byte("3"), []byte("20")},
		}, Tag: "SELECT 1", TxState: wire.TxStatusIdle},
	}
	res, err := Merge(streams, Options{OrderBy: []router.OrderByCol{{Name: "score"}}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(res.Rows))
	}
	order := []string{string(res.Rows[0][0]), string(res.Rows[1][0]), string(res.Rows[2][0])}
	want := []string{"2", "3", "1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", order, want)
		}
	}
	if res.Tag != "SELECT 3" {
		t.Fatalf("expected summed tag SELECT 3, got %q", res.Tag)
	}
}

func TestMergeOrderByDescAcrossShards(t *testing.T) {
	streams := []ShardStream{
		{Shard: 0, Fields: fields("id", "score"), Rows: [][][]byte{
			{[]byte("1"), []byte("30")},
			{[]byte("2"), []byte("10")},
		}, Tag: "SELECT 2", TxState: wire.TxStatusIdle},
		{Shard: 1, Fields: fields("id", "score"), Rows: [][][]byte{
			{[]byte("3"), []byte("20")},
		}, Tag: "SELECT 1", TxState: wire.TxStatusIdle},
	}
	res, err := Merge(streams, Options{OrderBy: []router.OrderByCol{{Name: "score", Desc: true}}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	order := []string{string(res.Rows[0][0]), string(res.Rows[1][0]), string(res.Rows[2][0])}
	want := []string{"1", "3", "2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("descending order mismatch: got %v, want %v", order, want)
		}
	}
}

func TestMergeShapeMismatchErrors(t *testing.T) {
	streams := []ShardStream{
		{Shard: 0, Fields: fields("id")},
		{Shard: 1, Fields: fields("id", "extra")},
	}
	if _, err := Merge(streams, Options{}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMergeStrongestTxStatus(t *testing.T) {
	streams := []ShardStream{
		{Shard: 0, Fields: fields("id"), TxState: wire.TxStatusIdle},
		{Shard: 1, Fields: fields("id"), TxState: wire.TxStatusInTxn},
	}
	res, err := Merge(streams, Options{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.TxState != wire.TxStatusInTxn {
		t.Fatalf("expected InTxn to win over Idle, got %c", res.TxState)
	}
}

func TestMergeErrorShortCircuits(t *testing.T) {
	errFields := wire.NewErrorFields("ERROR", "40001", "serialization failure")
	streams := []ShardStream{
		{Shard: 0, Fields: fields("id"), TxState: wire.TxStatusInFailedTx, Err: &errFields},
		{Shard: 1, Fields: fields("id"), TxState: wire.TxStatusIdle},
	}
	res, err := Merge(streams, Options{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected forwarded error")
	}
	if res.TxState != wire.TxStatusInFailedTx {
		t.Fatalf("expected failed-tx status to win, got %c", res.TxState)
	}
}

func TestMergeAvgAggregate(t *testing.T) {
	aggs := []router.AggregateRewrite{
		{Original: router.Aggregate{Func: "AVG", Arg: "score"}, FinalExpr: "avg_from_sum_count",
			HelperCols: []router.HelperColumn{{Alias: "s"}, {Alias: "c"}}},
	}
	streams := []ShardStream{
		{Shard: 0, Fields: fields("avg_score", "__h1", "__h2"), Rows: [][][]byte{{[]byte("0"), []byte("30"), []byte("3")}}},
		{Shard: 1, Fields: fields("avg_score", "__h1", "__h2"), Rows: [][][]byte{{[]byte("0"), []byte("10"), []byte("1")}}},
	}
	res, err := Merge(streams, Options{Aggregates: aggs, HelperCols: 2})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(res.Rows) != 1 || string(res.Rows[0][0]) != "10" {
		t.Fatalf("expected merged avg of 10, got %+v", res.Rows)
	}
}
