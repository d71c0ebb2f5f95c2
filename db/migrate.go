package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file
type Migration struct {
	Version string // numeric filename prefix, e.g. "002"
	File    string
}

// Migrations lists the embedded migrations in apply order
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		out = append(out, Migration{Version: version, File: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// Pending returns the migrations not yet recorded in schema_migrations.
// On a fresh database that is all of them.
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func appliedVersions(db *sql.DB) (map[string]struct{}, error) {
	applied := make(map[string]struct{})

	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "look up schema_migrations")
	}
	if exists == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = struct{}{}
	}
	return applied, errors.Wrap(rows.Err(), "iterate schema_migrations")
}

// Migrate applies every pending migration, each in its own transaction.
// 000_create_schema_migrations.sql creates the bookkeeping table and must run first.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	log = dbLogger(log)
	pending, err := Pending(db)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := apply(db, m); err != nil {
			return err
		}
		log.Infow("Applied migration", "migration", m.File, "version", m.Version)
	}

	log.Debugw("Migrations complete", logger.FieldCount, len(pending))
	return nil
}

func apply(db *sql.DB, m Migration) error {
	sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.File)
	}
	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.File)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.File)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.File)
}
