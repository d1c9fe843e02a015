package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		dir       = flag.String("dir", "migrations", "Directory holding *.up.sql and *.down.sql files")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if *direction != "up" && *direction != "down" {
		log.Fatalf("Invalid direction %q: must be up or down", *direction)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	count, err := migrate(ctx, pool, resolveDir(*dir), *direction, *steps)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if count == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", count)
	}
}

// resolveDir falls back to a migrations directory next to the executable
func resolveDir(dir string) string {
	if _, err := os.Stat(dir); err == nil {
		return dir
	}
	execPath, err := os.Executable()
	if err != nil {
		return dir
	}
	return filepath.Join(filepath.Dir(execPath), filepath.Base(dir))
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dir, direction string, steps int) (int, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	files, err := findMigrations(dir, direction)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, file := range plan(files, applied, direction, steps) {
		version := versionOf(file, direction)
		fmt.Printf("Running migration: %s\n", filepath.Base(file))

		content, err := os.ReadFile(file)
		if err != nil {
			return count, fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return count, fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to execute migration %s: %w", file, err)
		}

		if direction == "up" {
			_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to update migrations table: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit migration %s: %w", version, err)
		}

		fmt.Printf("Applied migration: %s\n", version)
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func suffixFor(direction string) string {
	if direction == "down" {
		return ".down.sql"
	}
	return ".up.sql"
}

func versionOf(file, direction string) string {
	return strings.TrimSuffix(filepath.Base(file), suffixFor(direction))
}

// findMigrations lists migration files in apply order: ascending for up,
// descending for down
func findMigrations(dir, direction string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+suffixFor(direction)))
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}
	sort.Strings(files)
	if direction == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	return files, nil
}

// plan picks the files to run: unapplied ones going up, applied ones going
// down, at most steps of them when steps > 0
func plan(files []string, applied map[string]bool, direction string, steps int) []string {
	var out []string
	for _, file := range files {
		if applied[versionOf(file, direction)] != (direction == "down") {
			continue
		}
		if steps > 0 && len(out) >= steps {
			break
		}
		out = append(out, file)
	}
	return out
}
