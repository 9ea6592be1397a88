package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
)

const (
	createRobotsTableSQL = `
CREATE TABLE IF NOT EXISTS robots (
	owner_id   TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, id)
)`

	listRobotsSQL = `
SELECT id, fields
FROM robots
WHERE owner_id = $1
ORDER BY id`

	insertRobotSQL = `
INSERT INTO robots (
	owner_id,
	id,
	fields
) VALUES ($1,$2,$3)`

	// jsonb || overwrites only the top-level keys present in $3
	patchRobotSQL = `
UPDATE robots
SET fields = fields || $3::jsonb,
	updated_at = now()
WHERE owner_id = $1 AND id = $2`

	deleteRobotSQL = `
DELETE FROM robots
WHERE owner_id = $1 AND id = $2`
)

// Querier is the subset of pgxpool.Pool the stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a record store backed by a postgres robots table.
type Store struct {
	db     Querier
	logger *logrus.Entry
	newID  func() string
}

// Connect dials postgres and returns a connection pool.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres "+redactDSN(dsn))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres "+redactDSN(dsn))
	}

	return pool, nil
}

// New returns a Store over db, creating the robots table when missing.
func New(ctx context.Context, db Querier, logger *logrus.Entry) (*Store, error) {
	if _, err := db.Exec(ctx, createRobotsTableSQL); err != nil {
		return nil, errors.Wrap(err, "create robots table")
	}

	return &Store{
		db:     db,
		logger: logger,
		newID:  uuid.NewString,
	}, nil
}

func (s *Store) List(ctx context.Context, ownerID string) ([]model.Document, error) {
	rows, err := s.db.Query(ctx, listRobotsSQL, ownerID)
	if err != nil {
		return nil, s.unavailable("list", ownerID, err)
	}
	defer rows.Close()

	var docs []model.Document

	for rows.Next() {
		var (
			id  string
			raw []byte
		)

		if err := rows.Scan(&id, &raw); err != nil {
			return nil, s.unavailable("list", ownerID, err)
		}

		fields, err := decodeFields(raw)
		if err != nil {
			return nil, s.unavailable("list", ownerID, err)
		}

		docs = append(docs, model.Document{ID: id, Fields: fields})
	}

	if err := rows.Err(); err != nil {
		return nil, s.unavailable("list", ownerID, err)
	}

	return docs, nil
}

func (s *Store) Insert(ctx context.Context, ownerID string, fields model.Fields) (string, error) {
	args, err := buildInsertRobotArgs(ownerID, s.newID(), fields)
	if err != nil {
		return "", err
	}

	if _, err := s.db.Exec(ctx, insertRobotSQL, args...); err != nil {
		return "", s.unavailable("insert", ownerID, err)
	}

	return args[1].(string), nil
}

func (s *Store) Patch(ctx context.Context, ownerID, id string, fields model.Fields) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(model.ErrInvalidRecord, err.Error())
	}

	tag, err := s.db.Exec(ctx, patchRobotSQL, ownerID, id, raw)
	if err != nil {
		return s.unavailable("patch", ownerID, err)
	}

	if tag.RowsAffected() == 0 {
		return errors.Wrap(model.ErrNotFound, id)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := s.db.Exec(ctx, deleteRobotSQL, ownerID, id)
	if err != nil {
		return s.unavailable("delete", ownerID, err)
	}

	if tag.RowsAffected() == 0 {
		return errors.Wrap(model.ErrNotFound, id)
	}

	return nil
}

func (s *Store) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("postgres record store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, fmt.Sprintf("postgres %s: %s", op, err.Error()))
}

func buildInsertRobotArgs(ownerID, id string, fields model.Fields) ([]any, error) {
	if fields == nil {
		fields = model.Fields{}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidRecord, err.Error())
	}

	return []any{ownerID, id, raw}, nil
}

func decodeFields(raw []byte) (model.Fields, error) {
	fields := model.Fields{}
	if len(raw) == 0 {
		return fields, nil
	}

	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "decode fields")
	}

	return fields, nil
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<dsn>"
	}

	return u.Redacted()
}
