// Package merge implements the cross-shard result merger (spec.md C5): it
// takes one server-message stream per targeted shard and reassembles them
// into the single stream a client-facing connection is allowed to see.
// Grounded on the donor's response-relay loop in its server-connection
// handling (now pkg/server) generalized to fan-in from N shards instead of
// relaying from one.
package merge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// ErrShapeMismatch is returned when shards disagree on RowDescription shape.
type ErrShapeMismatch struct{ Detail string }

func (e ErrShapeMismatch) Error() string { return "merge: row shape mismatch: " + e.Detail }

// ErrRowCapExceeded is returned when an ORDER BY merge would buffer more
// rows than the configured soft cap.
type ErrRowCapExceeded struct{ Cap int }

func (e ErrRowCapExceeded) Error() string {
	return fmt.Sprintf("merge: row count exceeds cap of %d while merging an ORDER BY result", e.Cap)
}

// ShardStream is one shard's message sequence for a single statement, fed to
// the merger in order.
type ShardStream struct {
	Shard   int
	Fields  []wire.FieldDescription
	Rows    [][][]byte // each row's column values, including helper columns
	Tag     string     // CommandComplete tag, e.g. "SELECT 10"
	TxState byte       // ReadyForQuery transaction status
	Err     *wire.Fields
}

// Options configures one merge pass.
type Options struct {
	OrderBy    []router.OrderByCol // declared ORDER BY columns, in order, with direction
	HelperCols int                 // trailing helper columns appended by aggregate rewrite, stripped before emit
	Aggregates []router.AggregateRewrite
	RowCap     int // 0 disables the cap
}

// Result is the single reassembled stream the engine writes to the client.
type Result struct {
	Fields  []wire.FieldDescription
	Rows    [][][]byte
	Tag     string
	TxState byte
	Err     *wire.Fields
}

// txStrength orders transaction status for the "strongest wins" merge rule:
// Error > InTransaction > Idle.
func txStrength(b byte) int {
	switch b {
	case wire.TxStatusInFailedTx:
		return 2
	case wire.TxStatusInTxn:
		return 1
	default:
		return 0
	}
}

// Merge reassembles streams per spec.md §4.5.
func Merge(streams []ShardStream, opts Options) (*Result, error) {
	if len(streams) == 0 {
		return &Result{TxState: wire.TxStatusIdle}, nil
	}

	res := &Result{Fields: streams[0].Fields, TxState: wire.TxStatusIdle}

	for _, s := range streams[1:] {
		if shapeMismatch(streams[0].Fields, s.Fields) {
			return nil, ErrShapeMismatch{Detail: fmt.Sprintf("shard %d disagrees with shard %d on field shape", s.Shard, streams[0].Shard)}
		}
	}

	for _, s := range streams {
		if s.Err != nil {
			res.Err = s.Err
		}
		if txStrength(s.TxState) > txStrength(res.TxState) {
			res.TxState = s.TxState
		}
	}
	if res.Err != nil {
		// Spec: forward the error; remaining shards are considered drained.
		// Row/command-count reassembly is skipped once any shard errors.
		return res, nil
	}

	if len(opts.Aggregates) > 0 {
		row, err := mergeAggregates(streams, opts)
		if err != nil {
			return nil, err
		}
		res.Rows = [][][]byte{row}
		res.Fields = stripHelperFields(res.Fields, opts.HelperCols)
		res.Tag = sumTag(streams)
		return res, nil
	}

	var rows [][][]byte
	for _, s := range streams {
		for _, r := range s.Rows {
			rows = append(rows, stripHelperValues(r, opts.HelperCols))
		}
	}

	if len(opts.OrderBy) > 0 {
		if opts.RowCap > 0 && len(rows) > opts.RowCap {
			return nil, ErrRowCapExceeded{Cap: opts.RowCap}
		}
		res.Fields = stripHelperFields(res.Fields, opts.HelperCols)
		sortRows(rows, res.Fields, opts.OrderBy)
	} else {
		res.Fields = stripHelperFields(res.Fields, opts.HelperCols)
	}

	res.Rows = rows
	res.Tag = sumTag(streams)
	return res, nil
}

func shapeMismatch(a, b []wire.FieldDescription) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].TypeOID != b[i].TypeOID {
			return true
		}
	}
	return false
}

func stripHelperFields(fields []wire.FieldDescription, n int) []wire.FieldDescription {
	if n <= 0 || n > len(fields) {
		return fields
	}
	return fields[:len(fields)-n]
}

func stripHelperValues(row [][]byte, n int) [][]byte {
	if n <= 0 || n > len(row) {
		return row
	}
	return row[:len(row)-n]
}

// sortRows sorts stably on the declared ORDER BY columns, matching the
// invariant (spec.md §3) that cross-shard merged order equals single-shard
// order for the same predicate and sort key.
type sortCol struct {
	idx  int
	desc bool
}

func sortRows(rows [][][]byte, fields []wire.FieldDescription, orderBy []router.OrderByCol) {
	cols := make([]sortCol, 0, len(orderBy))
	for _, ob := range orderBy {
		for i, f := range fields {
			if strings.EqualFold(f.Name, ob.Name) {
				cols = append(cols, sortCol{idx: i, desc: ob.Desc})
				break
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range cols {
			if col.idx >= len(rows[i]) || col.idx >= len(rows[j]) {
				continue
			}
			a, b := rows[i][col.idx], rows[j][col.idx]
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return !col.desc
			case b == nil:
				return col.desc
			}
			if cmp := strings.Compare(string(a), string(b)); cmp != 0 {
				if col.desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
}

// sumTag parses each shard's CommandComplete tag (e.g. "UPDATE 3") and emits
// one tag with the summed row count, preserving the command word of the
// first non-empty tag.
func sumTag(streams []ShardStream) string {
	var command string
	var total int64
	seenCount := false
	for _, s := range streams {
		if s.Tag == "" {
			continue
		}
		fields := strings.Fields(s.Tag)
		if len(fields) == 0 {
			continue
		}
		if command == "" {
			command = fields[0]
		}
		if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil {
			total += n
			seenCount = true
		}
	}
	if command == "" {
		return ""
	}
	if !seenCount {
		return command
	}
	return fmt.Sprintf("%s %d", command, total)
}
