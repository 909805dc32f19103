package engine

import (
	"context"
	"fmt"

	"github.com/shardproxy/shardproxy/pkg/merge"
	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// runInsertSplit executes one rewritten INSERT per shard for a multi-row
// INSERT into a sharded table (spec.md §4.4.4), and merges the per-shard
// "INSERT 0 N" tags into a single count for the client.
func (c *Client) runInsertSplit(ctx context.Context, plan *router.InsertSplitPlan) error {
	total := 0
	var txState byte = wire.TxStatusIdle

	for _, si := range plan.Shards {
		guard, err := c.guardFor(ctx, si.Shard, router.RolePrimary)
		if err != nil {
			return err
		}
		c.markTouched(si.Shard)

		stream, err := c.forwardAndCollect(ctx, guard, []wire.Frame{wire.BuildQuery(si.SQL)})
		if err != nil {
			return err
		}
		if stream.Err != nil {
			return c.emit(&merge.Result{Err: stream.Err, TxState: stream.TxState})
		}
		total += parseInsertCount(stream.Tag)
		if txStrength(stream.TxState) > txStrength(txState) {
			txState = stream.TxState
		}
	}

	return c.emit(&merge.Result{Tag: fmt.Sprintf("INSERT 0 %d", total), TxState: txState})
}

func parseInsertCount(tag string) int {
	var oid, n int
	fmt.Sscanf(tag, "INSERT %d %d", &oid, &n)
	return n
}

// txStrength mirrors pkg/merge's "strongest wins" transaction-status
// ordering: Error > InTransaction > Idle.
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
