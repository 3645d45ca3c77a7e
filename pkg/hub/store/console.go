package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// maxConsoleRows bounds result sets of the admin console.
const maxConsoleRows = 500

// forbiddenConsoleWords rejects statements that could mutate state even
// when smuggled into a CTE or function call.
var forbiddenConsoleWords = regexp.MustCompile(
	`(?i)\b(insert|update|delete|drop|alter|create|replace|truncate|grant|revoke|attach|detach|pragma|vacuum|reindex|copy|lock|call|merge)\b`)

// QueryResult is one admin console result set.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// ReadOnlyQuery runs one SELECT for the admin console. The statement must
// be a single SELECT (or WITH) free of mutating keywords, and the
// transaction is additionally opened read-only: query_only on SQLite,
// SET TRANSACTION READ ONLY on Postgres.
func (s *Store) ReadOnlyQuery(ctx context.Context, query string) (*QueryResult, error) {
	stmt, err := checkConsoleStatement(query)
	if err != nil {
		return nil, err
	}

	var result *QueryResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch s.config.Backend {
		case BackendPostgres:
			if err := tx.Exec("SET TRANSACTION READ ONLY").Error; err != nil {
				return err
			}
		case BackendSQLite:
			if err := tx.Exec("PRAGMA query_only = ON").Error; err != nil {
				return err
			}
			// The pragma sticks to the pooled connection, so undo it
			// before the connection is reused.
			defer func() { _ = tx.Exec("PRAGMA query_only = OFF").Error }()
		}

		rows, err := tx.Raw(stmt).Rows()
		if err != nil {
			return fmt.Errorf("%w: %s", models.ErrBadRequest, err)
		}
		defer rows.Close()

		result, err = scanConsoleRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkConsoleStatement normalizes and vets one console statement.
func checkConsoleStatement(query string) (string, error) {
	stmt := strings.TrimSpace(query)
	stmt = strings.TrimSuffix(stmt, ";")
	stmt = strings.TrimSpace(stmt)
	if stmt == "" {
		return "", fmt.Errorf("%w: empty statement", models.ErrBadRequest)
	}
	if strings.Contains(stmt, ";") {
		return "", fmt.Errorf("%w: one statement per query", models.ErrBadRequest)
	}
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", models.ErrBadRequest)
	}
	if m := forbiddenConsoleWords.FindString(stmt); m != "" {
		return "", fmt.Errorf("%w: forbidden keyword %q", models.ErrBadRequest, strings.ToUpper(m))
	}
	return stmt, nil
}

func scanConsoleRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(result.Rows) == maxConsoleRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}
