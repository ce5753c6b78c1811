// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS nimbus_nodes (
		hostname text PRIMARY KEY,
		pool text NOT NULL DEFAULT '',
		memory_mb integer NOT NULL,
		memory_remaining_mb integer NOT NULL,
		cpus integer NOT NULL DEFAULT 0,
		networks text[] NOT NULL DEFAULT '{}',
		active boolean NOT NULL DEFAULT true,
		vacant boolean NOT NULL DEFAULT true)`,
	`CREATE TABLE IF NOT EXISTS nimbus_spot_prices (
		seq bigserial PRIMARY KEY,
		time timestamp with time zone NOT NULL,
		price double precision NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS nimbus_spot_prices_time ON nimbus_spot_prices (time)`,
	`CREATE TABLE IF NOT EXISTS nimbus_backfill (
		id integer PRIMARY KEY CHECK (id = 1),
		config text NOT NULL)`,
}

// PostgresStore is a Store backed by a PostgreSQL database. Each
// write runs in its own transaction.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects to the configured database and creates the
// tables if they don't exist yet.
func OpenPostgres(ctx context.Context, cfg nimbus.PostgreSQL) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.Connection.String())
	if err != nil {
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if cfg.ConnectionPool > 0 {
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	ps := &PostgresStore{db: db}
	err = ps.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}
	return ps, nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// inTx calls fn with a new transaction, and commits only if fn
// succeeds.
func (ps *PostgresStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			ctxlog.FromContext(ctx).WithError(err).Debug("rollback")
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

type nodeRow struct {
	Hostname          string         `db:"hostname"`
	Pool              string         `db:"pool"`
	MemoryMB          int            `db:"memory_mb"`
	MemoryRemainingMB int            `db:"memory_remaining_mb"`
	CPUs              int            `db:"cpus"`
	Networks          pq.StringArray `db:"networks"`
	Active            bool           `db:"active"`
	Vacant            bool           `db:"vacant"`
}

func (row nodeRow) node() nimbus.Node {
	return nimbus.Node{
		Hostname:          row.Hostname,
		Pool:              row.Pool,
		MemoryMB:          row.MemoryMB,
		MemoryRemainingMB: row.MemoryRemainingMB,
		CPUs:              row.CPUs,
		Networks:          []string(row.Networks),
		Active:            row.Active,
		Vacant:            row.Vacant,
	}
}

func (ps *PostgresStore) GetStoredBackfill(ctx context.Context) (*nimbus.Backfill, error) {
	var buf string
	err := ps.db.GetContext(ctx, &buf, `SELECT config FROM nimbus_backfill WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var bf nimbus.Backfill
	if err := json.Unmarshal([]byte(buf), &bf); err != nil {
		return nil, fmt.Errorf("stored backfill config: %w", err)
	}
	return &bf, nil
}

func (ps *PostgresStore) SetBackfill(ctx context.Context, bf nimbus.Backfill) error {
	buf, err := json.Marshal(bf)
	if err != nil {
		return err
	}
	return ps.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO nimbus_backfill (id, config) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET config=EXCLUDED.config`, string(buf))
		return err
	})
}

func (ps *PostgresStore) TotalMaxMemory(ctx context.Context) (int, error) {
	var total int
	err := ps.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(memory_mb), 0) FROM nimbus_nodes`)
	return total, err
}

func (ps *PostgresStore) ListNodes(ctx context.Context) ([]nimbus.Node, error) {
	var rows []nodeRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT hostname, pool, memory_mb, memory_remaining_mb, cpus, networks, active, vacant
		FROM nimbus_nodes ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	nodes := make([]nimbus.Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, row.node())
	}
	return nodes, nil
}

func (ps *PostgresStore) PutNode(ctx context.Context, node nimbus.Node) error {
	networks := pq.StringArray(node.Networks)
	if networks == nil {
		networks = pq.StringArray{}
	}
	return ps.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO nimbus_nodes
			(hostname, pool, memory_mb, memory_remaining_mb, cpus, networks, active, vacant)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (hostname) DO UPDATE SET
			pool=EXCLUDED.pool, memory_mb=EXCLUDED.memory_mb,
			memory_remaining_mb=EXCLUDED.memory_remaining_mb, cpus=EXCLUDED.cpus,
			networks=EXCLUDED.networks, active=EXCLUDED.active, vacant=EXCLUDED.vacant`,
			node.Hostname, node.Pool, node.MemoryMB, node.MemoryRemainingMB, node.CPUs, networks, node.Active, node.Vacant)
		return err
	})
}

func (ps *PostgresStore) DeleteNode(ctx context.Context, hostname string) error {
	return ps.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM nimbus_nodes WHERE hostname=$1`, hostname)
		return err
	})
}

func (ps *PostgresStore) AppendPrice(ctx context.Context, sp nimbus.SpotPrice) error {
	return ps.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO nimbus_spot_prices (time, price) VALUES ($1, $2)`, sp.Time, sp.Price)
		return err
	})
}

func (ps *PostgresStore) PriceHistory(ctx context.Context, start, end *time.Time) ([]nimbus.SpotPrice, error) {
	query := `SELECT time, price FROM nimbus_spot_prices WHERE true`
	var args []interface{}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(` AND time >= $%d`, len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(` AND time <= $%d`, len(args))
	}
	query += ` ORDER BY seq`
	var history []nimbus.SpotPrice
	rows, err := ps.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sp nimbus.SpotPrice
		if err := rows.Scan(&sp.Time, &sp.Price); err != nil {
			return nil, err
		}
		history = append(history, sp)
	}
	return history, rows.Err()
}
