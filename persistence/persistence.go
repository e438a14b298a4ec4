// Package persistence journals hook definitions and replica state to a SQL
// database and loads them back on start.
//
// Upserts are written as delete and insert in one transaction so that the same
// statements work on every supported dialect.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/util/envconst"
)

type DB struct {
	db      *sql.DB
	dialect dialect
	timeout time.Duration
}

func FromConfig(ctx context.Context, in *config.Store) (*DB, error) {
	return Open(ctx, in.Driver, in.DSN)
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, err := dialectByName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", d.name)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s database", d.name)
	}
	for _, stmt := range append(d.init, d.schema()...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "initialize %s database", d.name)
		}
	}
	return &DB{
		db:      db,
		dialect: d,
		timeout: envconst.Duration("HOOKSYNC_STORE_TIMEOUT", 10*time.Second),
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// tx runs f in a transaction bounded by the journal timeout.
func (d *DB) tx(f func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := f(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func (d *DB) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	_, err := tx.ExecContext(ctx, d.dialect.rebind(query), args...)
	return errors.Wrapf(err, "exec %q", query)
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

// SaveDefinition inserts or replaces def.
func (d *DB) SaveDefinition(def hooks.Definition) error {
	return d.tx(func(ctx context.Context, tx *sql.Tx) error {
		if err := d.exec(ctx, tx, `DELETE FROM hooks WHERE id = ?`, def.ID); err != nil {
			return err
		}
		return d.exec(ctx, tx,
			`INSERT INTO hooks (id, cluster_id, stage, command, name, content_type, checksum, content) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.ClusterID, string(def.Stage), def.Command, def.Name, string(def.ContentType), string(def.Checksum), nullableBytes(def.Content))
	})
}

// DeleteDefinition removes the definition and all replica rows of hookID.
func (d *DB) DeleteDefinition(hookID string) error {
	return d.tx(func(ctx context.Context, tx *sql.Tx) error {
		if err := d.exec(ctx, tx, `DELETE FROM server_hooks WHERE hook_id = ?`, hookID); err != nil {
			return err
		}
		return d.exec(ctx, tx, `DELETE FROM hooks WHERE id = ?`, hookID)
	})
}

// SaveReplicas inserts or replaces all of rs in one transaction.
func (d *DB) SaveReplicas(rs []hooks.Replica) error {
	return d.tx(func(ctx context.Context, tx *sql.Tx) error {
		for _, r := range rs {
			if err := d.exec(ctx, tx, `DELETE FROM server_hooks WHERE hook_id = ? AND server_id = ?`, r.HookID, r.ServerID); err != nil {
				return err
			}
			err := d.exec(ctx, tx,
				`INSERT INTO server_hooks (hook_id, server_id, status, checksum, content, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				r.HookID, r.ServerID, string(r.Status), string(r.Checksum), nullableBytes(r.Content), r.UpdatedAt.UnixNano())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) LoadDefinitions(ctx context.Context) ([]hooks.Definition, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.rebind(
		`SELECT id, cluster_id, stage, command, name, content_type, checksum, content FROM hooks ORDER BY id`))
	if err != nil {
		return nil, errors.Wrap(err, "query hooks")
	}
	defer rows.Close()
	var defs []hooks.Definition
	for rows.Next() {
		var (
			def                          hooks.Definition
			stage, contentType, checksum string
		)
		if err := rows.Scan(&def.ID, &def.ClusterID, &stage, &def.Command, &def.Name, &contentType, &checksum, &def.Content); err != nil {
			return nil, errors.Wrap(err, "scan hook")
		}
		def.Stage = hooks.Stage(stage)
		def.ContentType = hooks.ContentType(contentType)
		def.Checksum = hooks.Checksum(checksum)
		defs = append(defs, def)
	}
	return defs, errors.Wrap(rows.Err(), "iterate hooks")
}

func (d *DB) LoadReplicas(ctx context.Context) ([]hooks.Replica, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.rebind(
		`SELECT hook_id, server_id, status, checksum, content, updated_at FROM server_hooks ORDER BY hook_id, server_id`))
	if err != nil {
		return nil, errors.Wrap(err, "query server_hooks")
	}
	defer rows.Close()
	var rs []hooks.Replica
	for rows.Next() {
		var (
			r                hooks.Replica
			status, checksum string
			updatedAt        int64
		)
		if err := rows.Scan(&r.HookID, &r.ServerID, &status, &checksum, &r.Content, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan server_hook")
		}
		r.Status = hooks.Status(status)
		r.Checksum = hooks.Checksum(checksum)
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		rs = append(rs, r)
	}
	return rs, errors.Wrap(rows.Err(), "iterate server_hooks")
}
