package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the SQL differences between supported databases
type Dialect struct {
	// Name identifies the dialect in configuration
	Name string
	// Driver is the database/sql driver name
	Driver string
	// BodyType is the column type holding the JSON document
	BodyType string

	placeholder func(n int) string
	duplicate   func(err error) bool
	anyOf       func(column string, start int, keys []string) (string, []any)
}

// Postgres stores documents in JSONB columns through the pgx driver
var Postgres = Dialect{
	Name:     "postgres",
	Driver:   "pgx",
	BodyType: "JSONB",
	placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	},
	duplicate: func(err error) bool {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return pgErr.Code == "23505" // unique_violation
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return pqErr.Code == "23505"
		}
		return false
	},
	anyOf: func(column string, start int, keys []string) (string, []any) {
		return fmt.Sprintf("%s = ANY($%d)", column, start), []any{pq.Array(keys)}
	},
}

// SQLite stores documents as JSON text through mattn/go-sqlite3
var SQLite = Dialect{
	Name:     "sqlite",
	Driver:   "sqlite3",
	BodyType: "TEXT",
	placeholder: func(int) string {
		return "?"
	},
	duplicate: func(err error) bool {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
		}
		return false
	},
	anyOf: func(column string, _ int, keys []string) (string, []any) {
		marks := make([]string, len(keys))
		args := make([]any, len(keys))
		for i, k := range keys {
			marks[i] = "?"
			args[i] = k
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")), args
	},
}

// DialectByName returns a supported dialect
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported SQL dialect %q", name)
}

// quote quotes an identifier. Both dialects accept standard SQL quoting.
func quote(name string) string {
	return pq.QuoteIdentifier(name)
}
