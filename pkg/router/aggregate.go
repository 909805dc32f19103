package router

import "strings"

// AggregateRewrite is the plan for turning a cross-shard aggregate SELECT
// into one that can be merged correctly: AVG becomes SUM+COUNT, and
// VAR/STDDEV become their moment decomposition (spec.md §4.4.3). Each entry
// names the helper columns to add to the per-shard query and the expression
// the merger should evaluate once all shard results are combined.
type AggregateRewrite struct {
	Original   Aggregate
	HelperCols []HelperColumn
	// FinalExpr names the merge-time computation over the helper columns,
	// one of "sum", "count", "avg_from_sum_count", "variance_pop",
	// "variance_samp", "stddev_pop", "stddev_samp", or the lower-cased
	// function name ("min", "max") for pass-through aggregates.
	FinalExpr string
}

// HelperColumn is one column the per-shard query must additionally project
// so the merger has enough raw material to recompute the original
// aggregate over the combined result set.
type HelperColumn struct {
	Alias string
	SQL   string
}

// RewriteAggregates returns, for every aggregate the statement's projection
// list contains, the plan to compute it correctly across a multi-shard
// fan-out. Aggregates that need no rewrite (SUM, COUNT, MIN, MAX) still get
// an entry with a single pass-through helper column, so the merger has one
// uniform path: a full rewrite plan always covers a statement's full
// aggregate list, or none do.
func RewriteAggregates(st *Statement) []AggregateRewrite {
	if len(st.Aggregates) == 0 {
		return nil
	}
	plans := make([]AggregateRewrite, 0, len(st.Aggregates))
	for i, agg := range st.Aggregates {
		plans = append(plans, rewriteOne(agg, i))
	}
	return plans
}

func rewriteOne(agg Aggregate, idx int) AggregateRewrite {
	prefix := helperPrefix(agg, idx)
	switch agg.Func {
	case "AVG":
		return AggregateRewrite{
			Original: agg,
			HelperCols: []HelperColumn{
				{Alias: prefix + "_sum", SQL: "SUM(" + agg.Arg + ")"},
				{Alias: prefix + "_count", SQL: "COUNT(" + agg.Arg + ")"},
			},
			FinalExpr: "avg_from_sum_count",
		}

	case "VAR_POP", "VAR_SAMP", "STDDEV_POP", "STDDEV_SAMP":
		// Parallel variance via the raw moments: n, sum(x), sum(x^2). The
		// merger recombines these across shards before computing the final
		// population or sample statistic (Welford/Chan's parallel-variance
		// formula reduces to moment addition at this level of precision).
		final := map[string]string{
			"VAR_POP": "variance_pop", "VAR_SAMP": "variance_samp",
			"STDDEV_POP": "stddev_pop", "STDDEV_SAMP": "stddev_samp",
		}[agg.Func]
		return AggregateRewrite{
			Original: agg,
			HelperCols: []HelperColumn{
				{Alias: prefix + "_n", SQL: "COUNT(" + agg.Arg + ")"},
				{Alias: prefix + "_sum", SQL: "SUM(" + agg.Arg + ")"},
				{Alias: prefix + "_sumsq", SQL: "SUM((" + agg.Arg + ")*(" + agg.Arg + "))"},
			},
			FinalExpr: final,
		}

	case "SUM":
		return AggregateRewrite{
			Original:   agg,
			HelperCols: []HelperColumn{{Alias: prefix, SQL: "SUM(" + agg.Arg + ")"}},
			FinalExpr:  "sum",
		}

	case "COUNT":
		return AggregateRewrite{
			Original:   agg,
			HelperCols: []HelperColumn{{Alias: prefix, SQL: "COUNT(" + agg.Arg + ")"}},
			FinalExpr:  "count",
		}

	default: // MIN, MAX: associative, no rewrite needed beyond pass-through.
		return AggregateRewrite{
			Original:   agg,
			HelperCols: []HelperColumn{{Alias: prefix, SQL: agg.Func + "(" + agg.Arg + ")"}},
			FinalExpr:  strings.ToLower(agg.Func),
		}
	}
}

func helperPrefix(agg Aggregate, idx int) string {
	alias := agg.Alias
	alias = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, alias)
	return "__pgdog_agg" + itoa(idx) + "_" + strings.ToLower(alias)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
