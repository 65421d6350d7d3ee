package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

const maxQueryRows = 200

// readOnlyPrefixes are the statement keywords db_query accepts.
var readOnlyPrefixes = []string{"select", "with", "pragma", "explain"}

func (e *Executor) execQuery(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		SQL string `json:"sql"`
	}
	if err := decode(input, &params); err != nil {
		return failf("Invalid parameters: %v", err)
	}
	if e.dbPath == "" {
		return failf("db_query is not configured")
	}
	stmt := strings.TrimSpace(params.SQL)
	stmt = strings.TrimSuffix(stmt, ";")
	if stmt == "" {
		return failf("Invalid parameters: sql is required")
	}
	if strings.Contains(stmt, ";") {
		return failf("only a single statement is allowed")
	}
	if !isReadOnly(stmt) {
		return failf("only read-only statements are allowed")
	}

	if _, err := os.Stat(e.dbPath); err != nil {
		return failf("open database: %v", err)
	}
	db, err := sql.Open("sqlite", e.dbPath)
	if err != nil {
		return failf("open database: %v", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return failf("open database: %v", err)
	}
	defer conn.Close()
	// query_only is per connection, so the statement must run on this one.
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return failf("open database: %v", err)
	}

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return failf("query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return failf("query failed: %v", err)
	}
	var out strings.Builder
	out.WriteString(strings.Join(cols, "\t"))
	out.WriteString("\n")

	n := 0
	for rows.Next() {
		if n == maxQueryRows {
			fmt.Fprintf(&out, "... (limited to %d rows)\n", maxQueryRows)
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return failf("scan row: %v", err)
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		out.WriteString(strings.Join(cells, "\t"))
		out.WriteString("\n")
		n++
	}
	if err := rows.Err(); err != nil {
		return failf("query failed: %v", err)
	}
	return Result{Content: truncate(out.String(), e.maxOutput)}
}

func isReadOnly(stmt string) bool {
	lower := strings.ToLower(stmt)
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(lower, p+" ") || strings.HasPrefix(lower, p+"\n") || strings.HasPrefix(lower, p+"\t") {
			return true
		}
	}
	return false
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
