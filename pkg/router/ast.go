// Package router implements the query parser & router (spec.md C4): a
// pluggable-parser-shaped classifier over client SQL text, an AST cache
// keyed by exact SQL, sharding-key extraction, the plugin hook, the
// aggregate-rewrite plan, and multi-row INSERT splitting.
//
// There is no real PostgreSQL-grade SQL parser among the reference
// dependencies available to this repository (see DESIGN.md): the donor's own
// pkg/proxy/sql_parser.go is itself a regexp/keyword classifier, not an AST
// parser, and ships no dedicated parsing library. This package generalizes
// that donor approach into a single-pass tokenizer/classifier that produces
// a small typed Statement — enough structure for every routing decision
// spec.md §4.4 asks for, without pretending to be a general SQL parser.
package router

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind classifies the top-level statement.
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindMerge
	KindTransaction
	KindDDL
	KindVariableSet
	KindVariableShow
	KindPrepare
	KindExecuteStmt
	KindDeallocate
	KindCopy
	KindListen
	KindNotify
	KindUnlisten
	KindOther
)

// TxnKind distinguishes the synthetic transaction-control commands.
type TxnKind int

const (
	TxnNone TxnKind = iota
	TxnBegin
	TxnCommit
	TxnRollback
	TxnPrepareTwoPhase
	TxnCommitPrepared
	TxnRollbackPrepared
)

// Statement is the classified view of one SQL text the router acts on.
type Statement struct {
	SQL   string
	Kind  Kind
	Table string

	// WHERE-clause / VALUES equalities of the form `col = literal` or
	// `col = $n`; values starting with "$" are bind-parameter placeholders.
	Equalities map[string]string

	// Multi-row INSERT support: Columns names the insert column list (lower
	// cased) and ValueTuples holds one entry per VALUES tuple, parallel to
	// Columns.
	Columns     []string
	ValueTuples [][]string

	// Aggregates found in a SELECT's projection list.
	Aggregates []Aggregate

	// OrderBy lists the declared ORDER BY columns, in order, each with its
	// sort direction.
	OrderBy []OrderByCol

	Txn TxnKind

	// VariableSet / VariableShow
	VarName  string
	VarValue string

	// Listen/Notify/Unlisten channel name.
	Channel string

	// Comment overrides found anywhere in the SQL text.
	CommentShard       *int
	CommentShardingKey string

	IsDDL bool
}

// OrderByCol is one column of a declared ORDER BY clause.
type OrderByCol struct {
	Name string
	Desc bool
}

// Aggregate describes one aggregate function call found in a projection.
type Aggregate struct {
	Func  string // upper-cased: AVG, SUM, COUNT, MIN, MAX, VAR_POP, VAR_SAMP, STDDEV_POP, STDDEV_SAMP
	Arg   string // the argument expression text, "*" for COUNT(*)
	Alias string // projection alias, if any, else the same as Func(Arg)
}

var (
	selectFromRe  = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][\w.]*)`)
	insertIntoRe  = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+([a-zA-Z_][\w.]*)\s*\(([^)]*)\)\s*VALUES\s*(.+)`)
	updateRe      = regexp.MustCompile(`(?is)^\s*UPDATE\s+([a-zA-Z_][\w.]*)`)
	deleteFromRe  = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+([a-zA-Z_][\w.]*)`)
	mergeIntoRe   = regexp.MustCompile(`(?is)^\s*MERGE\s+INTO\s+([a-zA-Z_][\w.]*)`)
	whereClauseRe = regexp.MustCompile(`(?is)\bWHERE\s+(.+?)(?:\s+ORDER\s+BY|\s+GROUP\s+BY|\s+LIMIT|\s+FOR\s+UPDATE|\s*;?\s*$)`)
	equalityRe    = regexp.MustCompile(`([a-zA-Z_][\w.]*)\s*=\s*(\$\d+|'[^']*'|"[^"]*"|[-\w.]+)`)
	orderByRe     = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+?)(?:\s+LIMIT|\s*;?\s*$)`)
	setStmtRe     = regexp.MustCompile(`(?is)^\s*SET\s+(?:SESSION\s+|LOCAL\s+)?([a-zA-Z_.]+)\s*(?:=|TO)\s*(.+?)\s*;?\s*$`)
	showStmtRe    = regexp.MustCompile(`(?is)^\s*SHOW\s+([a-zA-Z_.*]+)\s*;?\s*$`)
	listenRe      = regexp.MustCompile(`(?is)^\s*LISTEN\s+([a-zA-Z_][\w]*)`)
	notifyRe      = regexp.MustCompile(`(?is)^\s*NOTIFY\s+([a-zA-Z_][\w]*)`)
	unlistenRe    = regexp.MustCompile(`(?is)^\s*UNLISTEN\s+([a-zA-Z_][\w]*|\*)`)
	aggregateRe   = regexp.MustCompile(`(?i)\b(AVG|SUM|COUNT|MIN|MAX|VAR_POP|VAR_SAMP|STDDEV_POP|STDDEV_SAMP)\s*\(\s*(\*|[^)]+?)\s*\)(?:\s+AS\s+([a-zA-Z_]\w*))?`)
	commentRe     = regexp.MustCompile(`/\*\s*pgdog_(shard|sharding_key)\s*:\s*([^*]+?)\s*\*/`)
	ddlPrefixes   = []string{"CREATE", "DROP", "ALTER", "VACUUM", "TRUNCATE", "REINDEX", "GRANT", "REVOKE"}
)

// Parse classifies sql into a Statement. It never returns an error: anything
// it cannot confidently classify becomes KindOther, routed by the caller per
// spec.md §4.4 step 4.5 ("otherwise: broadcast").
func Parse(sql string) *Statement {
	st := &Statement{SQL: sql, Equalities: map[string]string{}}

	applyCommentOverrides(st, sql)

	trimmed := stripLeadingComments(sql)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SELECT"):
		st.Kind = KindSelect
		if m := selectFromRe.FindStringSubmatch(trimmed); len(m) == 3 {
			st.Table = strings.ToLower(m[2])
			st.Aggregates = extractAggregates(m[1])
		}
		extractWhereEqualities(st, trimmed)
		extractOrderBy(st, trimmed)

	case strings.HasPrefix(upper, "INSERT"):
		st.Kind = KindInsert
		parseInsert(st, trimmed)

	case strings.HasPrefix(upper, "UPDATE"):
		st.Kind = KindUpdate
		if m := updateRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Table = strings.ToLower(m[1])
		}
		extractWhereEqualities(st, trimmed)

	case strings.HasPrefix(upper, "DELETE"):
		st.Kind = KindDelete
		if m := deleteFromRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Table = strings.ToLower(m[1])
		}
		extractWhereEqualities(st, trimmed)

	case strings.HasPrefix(upper, "MERGE"):
		st.Kind = KindMerge
		if m := mergeIntoRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Table = strings.ToLower(m[1])
		}

	case strings.HasPrefix(upper, "BEGIN"), strings.HasPrefix(upper, "START TRANSACTION"):
		st.Kind = KindTransaction
		st.Txn = TxnBegin

	case strings.HasPrefix(upper, "COMMIT PREPARED"):
		st.Kind = KindTransaction
		st.Txn = TxnCommitPrepared

	case strings.HasPrefix(upper, "ROLLBACK PREPARED"):
		st.Kind = KindTransaction
		st.Txn = TxnRollbackPrepared

	case strings.HasPrefix(upper, "PREPARE TRANSACTION"):
		st.Kind = KindTransaction
		st.Txn = TxnPrepareTwoPhase

	case strings.HasPrefix(upper, "COMMIT"), strings.HasPrefix(upper, "END"):
		st.Kind = KindTransaction
		st.Txn = TxnCommit

	case strings.HasPrefix(upper, "ROLLBACK"), strings.HasPrefix(upper, "ABORT"):
		st.Kind = KindTransaction
		st.Txn = TxnRollback

	case strings.HasPrefix(upper, "SET "):
		st.Kind = KindVariableSet
		if m := setStmtRe.FindStringSubmatch(trimmed); len(m) == 3 {
			st.VarName = strings.ToLower(m[1])
			st.VarValue = strings.Trim(strings.TrimSpace(m[2]), "'\"")
		}

	case strings.HasPrefix(upper, "SHOW "):
		st.Kind = KindVariableShow
		if m := showStmtRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.VarName = strings.ToLower(m[1])
		}

	case strings.HasPrefix(upper, "PREPARE "):
		st.Kind = KindPrepare

	case strings.HasPrefix(upper, "EXECUTE "):
		st.Kind = KindExecuteStmt

	case strings.HasPrefix(upper, "DEALLOCATE"):
		st.Kind = KindDeallocate

	case strings.HasPrefix(upper, "COPY "):
		st.Kind = KindCopy
		if m := regexp.MustCompile(`(?is)^\s*COPY\s+([a-zA-Z_][\w.]*)`).FindStringSubmatch(trimmed); len(m) == 2 {
			st.Table = strings.ToLower(m[1])
		}

	case strings.HasPrefix(upper, "LISTEN"):
		st.Kind = KindListen
		if m := listenRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Channel = m[1]
		}

	case strings.HasPrefix(upper, "NOTIFY"):
		st.Kind = KindNotify
		if m := notifyRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Channel = m[1]
		}

	case strings.HasPrefix(upper, "UNLISTEN"):
		st.Kind = KindUnlisten
		if m := unlistenRe.FindStringSubmatch(trimmed); len(m) == 2 {
			st.Channel = m[1]
		}

	default:
		for _, prefix := range ddlPrefixes {
			if strings.HasPrefix(upper, prefix) {
				st.Kind = KindDDL
				st.IsDDL = true
				st.Table = ExtractTable(trimmed)
				return st
			}
		}
		st.Kind = KindOther
	}

	return st
}

var leadingCommentRe = regexp.MustCompile(`(?s)^\s*(?:/\*.*?\*/\s*|--[^\n]*\n\s*)+`)

// stripLeadingComments removes /* ... */ and -- line comments that precede
// the first keyword, so classification and the regex extractors can assume
// the statement text starts with its leading keyword.
func stripLeadingComments(sql string) string {
	return strings.TrimSpace(leadingCommentRe.ReplaceAllString(sql, ""))
}

func extractWhereEqualities(st *Statement, sql string) {
	m := whereClauseRe.FindStringSubmatch(sql)
	if len(m) != 2 {
		return
	}
	for _, eq := range equalityRe.FindAllStringSubmatch(m[1], -1) {
		col := strings.ToLower(strings.TrimSpace(eq[1]))
		val := strings.Trim(strings.TrimSpace(eq[2]), `'"`)
		st.Equalities[col] = val
	}
}

func extractOrderBy(st *Statement, sql string) {
	m := orderByRe.FindStringSubmatch(sql)
	if len(m) != 2 {
		return
	}
	for _, col := range strings.Split(m[1], ",") {
		fields := strings.Fields(strings.TrimSpace(col))
		if len(fields) == 0 {
			continue
		}
		entry := OrderByCol{Name: strings.ToLower(fields[0])}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			entry.Desc = true
		}
		st.OrderBy = append(st.OrderBy, entry)
	}
}

func extractAggregates(projection string) []Aggregate {
	var aggs []Aggregate
	for _, m := range aggregateRe.FindAllStringSubmatch(projection, -1) {
		fn := strings.ToUpper(m[1])
		arg := strings.TrimSpace(m[2])
		alias := m[3]
		if alias == "" {
			alias = fn + "(" + arg + ")"
		}
		aggs = append(aggs, Aggregate{Func: fn, Arg: arg, Alias: alias})
	}
	return aggs
}

func parseInsert(st *Statement, sql string) {
	m := insertIntoRe.FindStringSubmatch(sql)
	if len(m) != 4 {
		// INSERT ... SELECT or malformed; still record the table if we can.
		if t := regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+([a-zA-Z_][\w.]*)`).FindStringSubmatch(sql); len(t) == 2 {
			st.Table = strings.ToLower(t[1])
		}
		return
	}
	st.Table = strings.ToLower(m[1])
	for _, c := range strings.Split(m[2], ",") {
		st.Columns = append(st.Columns, strings.ToLower(strings.Trim(strings.TrimSpace(c), `"`)))
	}
	st.ValueTuples = splitValueTuples(m[3])
	if len(st.ValueTuples) > 0 {
		for i, col := range st.Columns {
			if i < len(st.ValueTuples[0]) {
				st.Equalities[col] = strings.Trim(st.ValueTuples[0][i], `'"`)
			}
		}
	}
}

// splitValueTuples splits `(a,b),(c,d)` into [["a","b"],["c","d"]], respecting
// parens and quotes.
func splitValueTuples(s string) [][]string {
	var tuples [][]string
	depth := 0
	inQuote := byte(0)
	var cur []rune
	var curTuple []string
	flushField := func() {
		curTuple = append(curTuple, strings.TrimSpace(string(cur)))
		cur = nil
	}
	for _, r := range s {
		switch {
		case inQuote != 0:
			cur = append(cur, r)
			if byte(r) == inQuote {
				inQuote = 0
			}
		case r == '\'' || r == '"':
			inQuote = byte(r)
			cur = append(cur, r)
		case r == '(':
			depth++
			if depth == 1 {
				curTuple = nil
				continue
			}
			cur = append(cur, r)
		case r == ')':
			depth--
			if depth == 0 {
				flushField()
				tuples = append(tuples, curTuple)
				continue
			}
			cur = append(cur, r)
		case r == ',' && depth == 1:
			flushField()
		default:
			cur = append(cur, r)
		}
	}
	return tuples
}

func applyCommentOverrides(st *Statement, sql string) {
	for _, m := range commentRe.FindAllStringSubmatch(sql, -1) {
		kind, val := m[1], strings.TrimSpace(m[2])
		switch kind {
		case "shard":
			if n, err := atoiLoose(val); err == nil {
				st.CommentShard = &n
			}
		case "sharding_key":
			st.CommentShardingKey = val
		}
	}
}

func atoiLoose(s string) (int, error) {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

var errNotANumber = notANumberError{}

type notANumberError struct{}

func (notANumberError) Error() string { return "router: not a number" }

// ExtractTable returns the identifier following TABLE, INDEX ON or VIEW
// (or, failing that, the first one following ON), best-effort, used for DDL
// target extraction.
func ExtractTable(sql string) string {
	for _, re := range []*regexp.Regexp{
		regexp.MustCompile(`(?is)\b(?:TABLE|INDEX\s+ON|VIEW)\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?([a-zA-Z_][\w.]*)`),
		regexp.MustCompile(`(?is)\bON\s+([a-zA-Z_][\w.]*)`),
	} {
		if m := re.FindStringSubmatch(sql); len(m) == 2 {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

// ---- AST cache (spec.md §4.4 step 2: "process-wide, hit-counted") ----

type astCacheEntry struct {
	stmt *Statement
	hits int64
}

// ASTCache is a process-wide, lock-free-on-read cache of parsed statements
// keyed by exact SQL text.
type ASTCache struct {
	entries sync.Map // string -> *astCacheEntry
}

var globalASTCache = &ASTCache{}

// GlobalASTCache returns the process-wide AST cache singleton.
func GlobalASTCache() *ASTCache { return globalASTCache }

// Get returns the cached Statement for sql, parsing and caching it on first
// use, and incrementing its hit counter on every call.
func (c *ASTCache) Get(sql string) *Statement {
	if v, ok := c.entries.Load(sql); ok {
		e := v.(*astCacheEntry)
		atomic.AddInt64(&e.hits, 1)
		return e.stmt
	}
	e := &astCacheEntry{stmt: Parse(sql), hits: 1}
	actual, _ := c.entries.LoadOrStore(sql, e)
	return actual.(*astCacheEntry).stmt
}

// Hits returns the hit count recorded for sql, or 0 if never looked up.
func (c *ASTCache) Hits(sql string) int64 {
	if v, ok := c.entries.Load(sql); ok {
		return atomic.LoadInt64(&v.(*astCacheEntry).hits)
	}
	return 0
}

// Reset clears the cache. Exposed for tests, per spec.md §9's convention that
// every process-wide singleton exposes a public Reset.
func (c *ASTCache) Reset() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}
