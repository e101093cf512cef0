package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner manages the metrics schema through goose. The pgx pool serves
// the application; goose gets its own database/sql handle per command
// because it cannot drive a pgx pool directly.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and returns a Runner.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("nil pool provided")
	case dsn == "":
		return Runner{}, errors.New("empty database dsn")
	case dir == "":
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("configure goose dialect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure brings the schema up to the latest version and logs where it landed.
func (r Runner) Ensure(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, db *sql.DB) error {
		r.log.Info("applying migrations", "dir", r.dir)
		if err := goose.UpContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("schema up to date", "version", version)
		return nil
	})
}

// Status prints applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back one migration, or down to target when target > 0.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.run(ctx, func(ctx context.Context, db *sql.DB) error {
		if target > 0 {
			r.log.Info("rolling back to version", "target", target)
			if err := goose.DownToContext(ctx, db, r.dir, target); err != nil {
				return fmt.Errorf("rollback to version %d: %w", target, err)
			}
		} else {
			r.log.Info("rolling back one migration")
			if err := goose.DownContext(ctx, db, r.dir); err != nil {
				return fmt.Errorf("rollback migration: %w", err)
			}
		}
		return nil
	})
}

// Ping verifies the application pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close shuts down the application pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) run(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	return fn(ctx, db)
}
