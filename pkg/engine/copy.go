package engine

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shardproxy/shardproxy/pkg/hashing"
	"github.com/shardproxy/shardproxy/pkg/merge"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

var copyColumnsRe = regexp.MustCompile(`(?is)^\s*COPY\s+[a-zA-Z_][\w.]*\s*\(([^)]*)\)`)

// runCopy implements spec.md §4.4 step 3: a COPY into a sharded table is
// CSV-only and routed row by row; a COPY into an unsharded table is
// broadcast verbatim to every shard so replicated/omni tables stay in sync.
// Grounded on pkg/server's guard Send/Receive relay loop, generalized to
// split CopyData frames across N backends instead of relaying 1:1.
func (c *Client) runCopy(ctx context.Context, plan *router.CopyPlan, frames []wire.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("engine: COPY dispatch with no buffered frames")
	}
	header := frames[0]
	sql, err := wire.ParseQuery(header)
	if err != nil {
		return c.sendError(fmt.Errorf("engine: malformed COPY query: %w", err))
	}

	shardCount := c.cl.NumShards()
	shards := make([]int, shardCount)
	for i := range shards {
		shards[i] = i
	}

	guards := make(map[int]*pool.Guard, len(shards))
	for _, shard := range shards {
		guard, err := c.guardFor(ctx, shard, router.RolePrimary)
		if err != nil {
			return err
		}
		c.markTouched(shard)
		guards[shard] = guard

		if err := guard.Conn().Send(header); err != nil {
			return err
		}
		if err := guard.Conn().Flush(); err != nil {
			return err
		}
		f, err := guard.Conn().Receive()
		if err != nil {
			return err
		}
		if f.Type == wire.TagErrorResponse {
			fields, _ := wire.ParseErrorResponse(f)
			msg, _ := fields.Get(wire.FieldMessage)
			return c.sendError(fmt.Errorf("engine: shard %d rejected COPY: %s", shard, msg))
		}
	}

	var shardIdx int = -1
	if plan.CSVOnly {
		cols, ok := copyColumns(sql)
		if !ok {
			return c.sendError(fmt.Errorf("engine: COPY into sharded table %q must list its columns explicitly", plan.Table))
		}
		for i, col := range cols {
			if col == plan.ShardColumn {
				shardIdx = i
				break
			}
		}
		if shardIdx < 0 {
			return c.sendError(fmt.Errorf("engine: COPY into sharded table %q must include the sharding-key column %q", plan.Table, plan.ShardColumn))
		}
	}
	hasher := hashing.Murmur3
	if schema, ok := c.router.Schemas[plan.Table]; ok {
		hasher = schema.Hasher
	}

	var pending []byte // partial CSV line straddling two CopyData frames
	for {
		f, err := wire.ReadFrame(c.r)
		if err != nil {
			return err
		}
		switch f.Type {
		case wire.TagCopyData:
			if !plan.CSVOnly {
				for _, g := range guards {
					if err := g.Conn().Send(f); err != nil {
						return err
					}
				}
				continue
			}
			pending = append(pending, f.Body...)
			lines := bytes.Split(pending, []byte("\n"))
			pending = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				shard := routeCopyLine(line, shardIdx, hasher, shardCount)
				guard, ok := guards[shard]
				if !ok {
					continue
				}
				if err := guard.Conn().Send(wire.BuildCopyData(append(line, '\n'))); err != nil {
					return err
				}
			}

		case wire.TagCopyDone:
			if len(bytes.TrimSpace(pending)) > 0 {
				shard := routeCopyLine(pending, shardIdx, hasher, shardCount)
				if guard, ok := guards[shard]; ok {
					guard.Conn().Send(wire.BuildCopyData(append(pending, '\n')))
				}
			}
			return c.finishCopy(guards)

		case wire.TagCopyFail:
			reason, _ := wire.ParseQuery(f)
			for _, g := range guards {
				g.Conn().Send(wire.BuildCopyFail(reason))
				g.Conn().Flush()
			}
			return fmt.Errorf("engine: COPY failed on client request: %s", reason)
		}
	}
}

func copyColumns(sql string) ([]string, bool) {
	m := copyColumnsRe.FindStringSubmatch(sql)
	if m == nil {
		return nil, false
	}
	parts := strings.Split(m[1], ",")
	cols := make([]string, len(parts))
	for i, p := range parts {
		cols[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return cols, true
}

func routeCopyLine(line []byte, shardIdx int, hasher hashing.Kind, numShards int) int {
	if shardIdx < 0 || numShards <= 1 {
		return 0
	}
	fields := strings.Split(string(line), ",")
	if shardIdx >= len(fields) {
		return 0
	}
	val := strings.Trim(strings.TrimSpace(fields[shardIdx]), `"`)
	return hashing.Shard(hasher, val, numShards)
}

// finishCopy sends CopyDone to every shard and merges their CommandComplete
// row counts into one tag for the client.
func (c *Client) finishCopy(guards map[int]*pool.Guard) error {
	total := 0
	var lastErr *wire.Fields
	for _, guard := range guards {
		conn := guard.Conn()
		if err := conn.Send(wire.BuildCopyDone()); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		for {
			f, err := conn.Receive()
			if err != nil {
				return err
			}
			if f.Type == wire.TagCommandComplete {
				tag, _ := wire.ParseCommandComplete(f)
				total += parseCopyCount(tag)
			}
			if f.Type == wire.TagErrorResponse {
				fields, _ := wire.ParseErrorResponse(f)
				lastErr = &fields
			}
			if f.Type == wire.TagReadyForQuery {
				break
			}
		}
	}
	if lastErr != nil {
		msg, _ := lastErr.Get(wire.FieldMessage)
		return c.sendError(fmt.Errorf("engine: COPY failed on one or more shards: %s", msg))
	}
	return c.emit(&merge.Result{Tag: fmt.Sprintf("COPY %d", total), TxState: wire.TxStatusIdle})
}

func parseCopyCount(tag string) int {
	var n int
	fmt.Sscanf(tag, "COPY %d", &n)
	return n
}
