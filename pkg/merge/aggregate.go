package merge

import (
	"math"
	"strconv"
)

// moment accumulates the raw sums an aggregate's FinalExpr needs across all
// shards before the single closing computation.
type moment struct {
	sum, sumsq  float64
	count       int64
	extreme     string
	haveExtreme bool
}

// mergeAggregates recomputes a result row that contains aggregate columns
// rewritten per router.RewriteAggregates: it sums the helper columns across
// every shard's single result row, then evaluates each aggregate's
// FinalExpr over the combined totals (spec.md §4.4.3 / §4.5).
//
// Each shard is expected to return exactly one row (a plain, non-GROUP-BY
// aggregate query); the non-helper projection columns are assumed to appear
// in the same order as opts.Aggregates, with all helper columns appended
// after them in declaration order.
func mergeAggregates(streams []ShardStream, opts Options) ([][]byte, error) {
	numFinal := len(opts.Aggregates)
	moments := make([]moment, numFinal)

	starts := make([]int, numFinal)
	helperIdx := numFinal
	for i, agg := range opts.Aggregates {
		starts[i] = helperIdx
		helperIdx += len(agg.HelperCols)
	}

	for _, s := range streams {
		if len(s.Rows) == 0 {
			continue
		}
		row := s.Rows[0]
		for i, agg := range opts.Aggregates {
			base := starts[i]
			m := &moments[i]
			switch agg.FinalExpr {
			case "avg_from_sum_count":
				m.sum += parseFloat(row, base)
				m.count += parseInt(row, base+1)
			case "variance_pop", "variance_samp", "stddev_pop", "stddev_samp":
				m.count += parseInt(row, base)
				m.sum += parseFloat(row, base+1)
				m.sumsq += parseFloat(row, base+2)
			case "sum":
				m.sum += parseFloat(row, base)
			case "count":
				m.count += parseInt(row, base)
			case "min":
				mergeExtreme(m, row, base, true)
			case "max":
				mergeExtreme(m, row, base, false)
			}
		}
	}

	out := make([][]byte, numFinal)
	for i, agg := range opts.Aggregates {
		m := moments[i]
		switch agg.FinalExpr {
		case "avg_from_sum_count":
			if m.count == 0 {
				out[i] = nil
			} else {
				out[i] = []byte(formatFloat(m.sum / float64(m.count)))
			}
		case "variance_pop", "variance_samp", "stddev_pop", "stddev_samp":
			out[i] = []byte(formatFloat(finalMoment(m, agg.FinalExpr)))
		case "sum":
			out[i] = []byte(formatFloat(m.sum))
		case "count":
			out[i] = []byte(strconv.FormatInt(m.count, 10))
		case "min", "max":
			if m.haveExtreme {
				out[i] = []byte(m.extreme)
			}
		}
	}
	return out, nil
}

func mergeExtreme(m *moment, row [][]byte, col int, wantMin bool) {
	if col >= len(row) || row[col] == nil {
		return
	}
	v := string(row[col])
	if !m.haveExtreme {
		m.extreme, m.haveExtreme = v, true
		return
	}
	if wantMin && v < m.extreme {
		m.extreme = v
	}
	if !wantMin && v > m.extreme {
		m.extreme = v
	}
}

// finalMoment computes the declared variance/stddev statistic from the
// combined sum/sumsq/count moments (parallel-variance via moment addition).
func finalMoment(m moment, kind string) float64 {
	if m.count == 0 {
		return 0
	}
	mean := m.sum / float64(m.count)
	variancePop := m.sumsq/float64(m.count) - mean*mean
	if variancePop < 0 {
		variancePop = 0
	}
	switch kind {
	case "variance_pop":
		return variancePop
	case "variance_samp":
		if m.count < 2 {
			return 0
		}
		return variancePop * float64(m.count) / float64(m.count-1)
	case "stddev_pop":
		return math.Sqrt(variancePop)
	case "stddev_samp":
		if m.count < 2 {
			return 0
		}
		return math.Sqrt(variancePop * float64(m.count) / float64(m.count-1))
	}
	return 0
}

func parseFloat(row [][]byte, col int) float64 {
	if col >= len(row) || row[col] == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(string(row[col]), 64)
	return f
}

func parseInt(row [][]byte, col int) int64 {
	if col >= len(row) || row[col] == nil {
		return 0
	}
	n, _ := strconv.ParseInt(string(row[col]), 10, 64)
	return n
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
