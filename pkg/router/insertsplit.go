package router

import (
	"fmt"
	"strings"

	"github.com/shardproxy/shardproxy/pkg/hashing"
)

// InsertSplitPlan groups a multi-row INSERT's value tuples by destination
// shard, so the engine can send one rewritten INSERT per shard instead of
// broadcasting the whole statement (spec.md §4.4.4).
type InsertSplitPlan struct {
	Table   string
	Columns []string
	Shards  []ShardInsert
}

// ShardInsert is the per-shard slice of a split INSERT: the rewritten SQL
// text plus the subset of original tuple indexes it carries, so row counts
// in returned CommandComplete tags can be summed accurately.
type ShardInsert struct {
	Shard       int
	SQL         string
	TupleIdxs   []int
	Placeholder bool // true if any value in this shard's tuples was a bind parameter
}

// planInsertSplit groups st's VALUES tuples by the shard their sharding-key
// column hashes to, and renders one INSERT statement per shard.
func (r *Router) planInsertSplit(st *Statement, schema TableSchema) (*InsertSplitPlan, error) {
	colIdx := -1
	for i, c := range st.Columns {
		if c == schema.Column {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil, fmt.Errorf("router: INSERT into sharded table %q must include the sharding-key column %q", st.Table, schema.Column)
	}

	byShard := map[int][]int{} // shard -> tuple indexes
	for i, tuple := range st.ValueTuples {
		if colIdx >= len(tuple) {
			return nil, fmt.Errorf("router: INSERT value tuple %d is missing the sharding-key column", i)
		}
		val := strings.Trim(strings.TrimSpace(tuple[colIdx]), `'"`)
		if strings.HasPrefix(val, "$") {
			return nil, fmt.Errorf("router: multi-row INSERT splitting requires literal sharding-key values, tuple %d uses a bind parameter", i)
		}
		var shard int
		if mapped, ok := matchMappingValue(schema, val); ok {
			shard = mapped
		} else {
			shard = hashing.Shard(schema.Hasher, val, r.NumShards)
		}
		byShard[shard] = append(byShard[shard], i)
	}

	plan := &InsertSplitPlan{Table: st.Table, Columns: st.Columns}
	for shard, idxs := range byShard {
		var b strings.Builder
		placeholder := false
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", st.Table, strings.Join(st.Columns, ", "))
		for n, idx := range idxs {
			if n > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			b.WriteString(strings.Join(st.ValueTuples[idx], ", "))
			b.WriteByte(')')
			for _, v := range st.ValueTuples[idx] {
				if strings.HasPrefix(strings.TrimSpace(v), "$") {
					placeholder = true
				}
			}
		}
		plan.Shards = append(plan.Shards, ShardInsert{Shard: shard, SQL: b.String(), TupleIdxs: idxs, Placeholder: placeholder})
	}
	return plan, nil
}

func matchMappingValue(schema TableSchema, val string) (int, bool) {
	for _, m := range schema.Mappings {
		switch m.Kind {
		case "list":
			for _, v := range m.Values {
				if v == val {
					return m.Shard, true
				}
			}
		case "range":
			if val >= m.Start && val < m.End {
				return m.Shard, true
			}
		}
	}
	return 0, false
}
