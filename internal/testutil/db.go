// Package testutil holds Postgres and Redis fixtures plus job builders for tests.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/target/queuesd/internal/migrate"
)

// DBConfig locates the Postgres instance used by integration tests.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultDBConfig reads TEST_DB_* variables. The port defaults to 55432 so that a local
// test container does not clash with a development database; CI sets TEST_DB_PORT.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "queuesd"),
		Password: envOr("TEST_DB_PASSWORD", "queuesd"),
		DBName:   envOr("TEST_DB_NAME", "queuesd"),
		SSLMode:  envOr("TEST_DB_SSL_MODE", "disable"),
	}
}

// DSN renders the connection URL, optionally pinned to a schema.
func (c DBConfig) DSN(schema string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SkipIfNoTestDB skips t when Postgres cannot be reached, or fails it when
// TEST_REQUIRE_DB or TEST_REQUIRE_INFRA is set.
func SkipIfNoTestDB(t testing.TB) {
	t.Helper()
	db, err := sql.Open("pgx", DefaultDBConfig().DSN(""))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = db.PingContext(ctx)
		cancel()
		closeQuietly(t, "probe db", db)
	}
	if err == nil {
		return
	}
	if envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") {
		t.Fatal("test database not available:", err)
	}
	t.Skip("test database not available:", err)
}

// WithAutoDB runs fn against a migrated database. Each call gets its own schema,
// dropped on cleanup, unless TEST_DB_SHARED is set, in which case the shared schema
// is emptied before and after fn.
func WithAutoDB(t testing.TB, fn func(*sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)
	if envBool("TEST_DB_SHARED") {
		db := openMigrated(t, "")
		truncate(t, db)
		defer func() {
			truncate(t, db)
			closeQuietly(t, "test db", db)
		}()
		fn(db)
		return
	}
	fn(ephemeralDB(t))
}

func ephemeralDB(t testing.TB) *sql.DB {
	t.Helper()
	admin, err := sql.Open("pgx", DefaultDBConfig().DSN(""))
	if err != nil {
		t.Fatal("open admin db:", err)
	}
	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeQuietly(t, "admin db", admin)
	})

	db := openMigrated(t, schema)
	t.Cleanup(func() { closeQuietly(t, "test db", db) })
	return db
}

func openMigrated(t testing.TB, schema string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", DefaultDBConfig().DSN(schema))
	if err != nil {
		t.Fatal("open test db:", err)
	}
	db.SetMaxOpenConns(10)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := migrate.Run(ctx, db, nil); err != nil {
		closeQuietly(t, "test db", db)
		t.Fatal("run migrations:", err)
	}
	return db
}

func truncate(t testing.TB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "TRUNCATE job_dependencies, jobs, daemons RESTART IDENTITY CASCADE"); err != nil {
		t.Fatal("truncate test tables:", err)
	}
}

func schemaName() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "t_" + time.Now().Format("150405000000")
	}
	return "t_" + hex.EncodeToString(b)
}

func closeQuietly(t testing.TB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return slices.Contains([]string{"1", "true", "yes", "y"}, strings.ToLower(os.Getenv(key)))
}

// JobState is one row of the jobs table, trimmed for failure diagnostics.
type JobState struct {
	ID                  int64
	Command             string
	Queue               string
	Status              string
	Version             int64
	ProcessedByDaemonID *int64
	ClosedAt            *time.Time
}

// JobStates reads every job ordered by id.
func JobStates(t testing.TB, db *sql.DB) []JobState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT id, command, queue, status, version, processed_by_daemon_id, closed_at FROM jobs ORDER BY id`)
	if err != nil {
		t.Fatal("query job states:", err)
	}
	defer closeQuietly(t, "job state rows", rows)

	var states []JobState
	for rows.Next() {
		var s JobState
		if err := rows.Scan(&s.ID, &s.Command, &s.Queue, &s.Status, &s.Version, &s.ProcessedByDaemonID, &s.ClosedAt); err != nil {
			t.Fatal("scan job state:", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		t.Fatal("iterate job states:", err)
	}
	return states
}

// LogJobStates dumps the jobs table to the test log.
func LogJobStates(t testing.TB, db *sql.DB, label string) {
	t.Helper()
	t.Logf("jobs %s:", label)
	for _, s := range JobStates(t, db) {
		t.Logf("  #%d %s [%s] %s v%d daemon=%v closed=%v",
			s.ID, s.Command, s.Queue, s.Status, s.Version, s.ProcessedByDaemonID, s.ClosedAt)
	}
}

// RunConcurrently starts every fn at once and returns their errors in argument order.
func RunConcurrently(fns ...func() error) []error {
	start := make(chan struct{})
	errs := make([]error, len(fns))
	done := make(chan struct{}, len(fns))
	for i, fn := range fns {
		go func() {
			<-start
			errs[i] = fn()
			done <- struct{}{}
		}()
	}
	close(start)
	for range fns {
		<-done
	}
	return errs
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}
