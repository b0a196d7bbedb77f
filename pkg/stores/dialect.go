package stores

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/jackc/pgx/v5/pgconn"

	// PostgreSQL driver registered as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLite driver registered as "sqlite"
	_ "modernc.org/sqlite"
)

// dialect captures the differences between the supported backends.
type dialect struct {
	driver Driver

	// sqlDriver is the database/sql driver name
	sqlDriver string

	// migrationsDir is the embedded migrations directory
	migrationsDir string

	// numbered selects $1-style placeholders
	numbered bool
}

var (
	sqliteDialect   = dialect{driver: DriverSQLite, sqlDriver: "sqlite", migrationsDir: "migrations/sqlite"}
	postgresDialect = dialect{driver: DriverPostgres, sqlDriver: "pgx", migrationsDir: "migrations/postgres", numbered: true}
)

func dialectFor(driver Driver) (dialect, error) {
	switch driver {
	case "", DriverSQLite:
		return sqliteDialect, nil
	case DriverPostgres:
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// dsn returns the connection string for the configured DSN.
func (d dialect) dsn(raw string) string {
	if d.driver != DriverSQLite {
		return raw
	}
	if raw == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// rebind rewrites ? placeholders for the backend.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// migrator builds a migrate instance over db.
func (d dialect) migrator(db *sql.DB, src source.Driver) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		err    error
	)
	switch d.driver {
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, string(d.driver), driver)
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func (d dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
