package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
)

const (
	createProfilesTableSQL = `
CREATE TABLE IF NOT EXISTS owner_profiles (
	owner_id   TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	getProfileSQL = `
SELECT doc
FROM owner_profiles
WHERE owner_id = $1`

	upsertProfileSQL = `
INSERT INTO owner_profiles (
	owner_id,
	doc
) VALUES ($1,$2)
ON CONFLICT (owner_id) DO UPDATE SET
	doc = EXCLUDED.doc,
	updated_at = now()`

	updateProfileSettingsSQL = `
UPDATE owner_profiles
SET doc = jsonb_set(doc, '{settings}', $2::jsonb),
	updated_at = now()
WHERE owner_id = $1`
)

// ProfileStore keeps owner profiles in the owner_profiles table.
type ProfileStore struct {
	db     Querier
	logger *logrus.Entry
}

var _ profile.Store = (*ProfileStore)(nil)

// NewProfileStore returns a ProfileStore over db, creating its table when missing.
func NewProfileStore(ctx context.Context, db Querier, logger *logrus.Entry) (*ProfileStore, error) {
	if _, err := db.Exec(ctx, createProfilesTableSQL); err != nil {
		return nil, errors.Wrap(err, "create owner_profiles table")
	}

	return &ProfileStore{db: db, logger: logger}, nil
}

func (s *ProfileStore) Get(ctx context.Context, ownerID string) (*profile.Profile, error) {
	var raw []byte

	err := s.db.QueryRow(ctx, getProfileSQL, ownerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, s.unavailable("get", ownerID, err)
	}

	p := &profile.Profile{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, s.unavailable("get", ownerID, err)
	}

	return p, nil
}

func (s *ProfileStore) Put(ctx context.Context, ownerID string, p *profile.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}

	if _, err := s.db.Exec(ctx, upsertProfileSQL, ownerID, raw); err != nil {
		return s.unavailable("put", ownerID, err)
	}

	return nil
}

func (s *ProfileStore) UpdateSettings(ctx context.Context, ownerID string, settings profile.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}

	tag, err := s.db.Exec(ctx, updateProfileSettingsSQL, ownerID, raw)
	if err != nil {
		return s.unavailable("update settings", ownerID, err)
	}

	if tag.RowsAffected() == 0 {
		return profile.ErrNoProfile
	}

	return nil
}

func (s *ProfileStore) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("postgres profile store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "postgres profile "+op+": "+err.Error())
}
