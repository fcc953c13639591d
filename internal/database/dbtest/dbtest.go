// Package dbtest provides a migrated Postgres database for store tests.
//
// A test binary calls Run from TestMain. With CERTANO_TEST_DATABASE_URL set,
// Run creates a scratch database on that server; otherwise it starts a
// postgres container through dockertest. When neither is possible (no
// Docker, -short) the store tests skip.
package dbtest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"github.com/certano/backend/internal/database"
	"github.com/certano/backend/internal/logging"
)

const EnvDSN = "CERTANO_TEST_DATABASE_URL"

var (
	shared     *sql.DB
	skipReason = "database not started"
)

// Run prepares the database, runs the tests and tears everything down.
func Run(m *testing.M) int {
	flag.Parse()
	logger := logging.New(os.Stderr, "info", "text").With("component", "dbtest")

	cleanup, err := start(logger)
	if err != nil {
		skipReason = err.Error()
		logger.Warn("store tests will skip", "reason", skipReason)
	}
	code := m.Run()
	if cleanup != nil {
		cleanup()
	}
	return code
}

// DB returns the shared database with every table emptied, or skips t.
func DB(t *testing.T) *sql.DB {
	t.Helper()
	if shared == nil {
		t.Skip(skipReason)
	}
	_, err := shared.Exec(`TRUNCATE profiles, user_stats, chapter_stats, quiz_sessions, question_answers CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return shared
}

// CreateProfile inserts a free, inactive profile and returns its id.
func CreateProfile(t *testing.T, db *sql.DB, email string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO profiles (id, email, name, password) VALUES ($1, $2, $3, $4)`,
		id, email, "Test User", "x")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return id
}

func start(logger *slog.Logger) (func(), error) {
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		return startScratch(logger, dsn)
	}
	if testing.Short() {
		return nil, errors.New("short mode without " + EnvDSN)
	}
	return startContainer(logger)
}

// startScratch creates a uniquely named database on an existing server so
// concurrently running test binaries do not share tables.
func startScratch(logger *slog.Logger, dsn string) (func(), error) {
	admin, err := database.Connect(dsn)
	if err != nil {
		return nil, err
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		admin.Close()
		return nil, err
	}
	name := "certano_test_" + hex.EncodeToString(suffix)
	if _, err := admin.Exec(`CREATE DATABASE ` + pq.QuoteIdentifier(name)); err != nil {
		admin.Close()
		return nil, fmt.Errorf("create scratch database: %w", err)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		admin.Close()
		return nil, fmt.Errorf("parse %s: %w", EnvDSN, err)
	}
	u.Path = "/" + name

	drop := func() {
		if _, err := admin.Exec(`DROP DATABASE IF EXISTS ` + pq.QuoteIdentifier(name)); err != nil {
			logger.Warn("drop scratch database", "name", name, "error", err)
		}
		admin.Close()
	}

	db, err := openMigrated(u.String())
	if err != nil {
		drop()
		return nil, err
	}
	shared = db
	logger.Info("scratch database ready", "name", name)
	return func() {
		db.Close()
		drop()
	}, nil
}

func startContainer(logger *slog.Logger) (func(), error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}
	pool.MaxWait = 120 * time.Second

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=certano",
			"POSTGRES_PASSWORD=certano",
			"POSTGRES_DB=certano",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	// The container removes itself even if the test binary is killed.
	_ = resource.Expire(300)

	purge := func() {
		if err := pool.Purge(resource); err != nil {
			logger.Warn("purge postgres container", "error", err)
		}
	}

	dsn := fmt.Sprintf("postgres://certano:certano@%s/certano?sslmode=disable", resource.GetHostPort("5432/tcp"))
	var db *sql.DB
	if err := pool.Retry(func() error {
		var err error
		db, err = openMigrated(dsn)
		return err
	}); err != nil {
		purge()
		return nil, fmt.Errorf("connect to postgres container: %w", err)
	}

	shared = db
	logger.Info("postgres container ready", "container", resource.Container.ID[:12])
	return func() {
		db.Close()
		purge()
	}, nil
}

func openMigrated(dsn string) (*sql.DB, error) {
	db, err := database.Connect(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := database.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
