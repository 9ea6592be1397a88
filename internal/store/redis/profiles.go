package redisstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
)

// ProfileStore keeps owner profiles in a single hash, field owner id -> JSON profile.
type ProfileStore struct {
	client redis.UniversalClient
	key    string
	logger *logrus.Entry
}

var _ profile.Store = (*ProfileStore)(nil)

func NewProfileStore(client redis.UniversalClient, keyPrefix string, logger *logrus.Entry) *ProfileStore {
	return &ProfileStore{
		client: client,
		key:    keyPrefix + ":profiles",
		logger: logger,
	}
}

func (s *ProfileStore) Get(ctx context.Context, ownerID string) (*profile.Profile, error) {
	raw, err := s.client.HGet(ctx, s.key, ownerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, s.unavailable("get", ownerID, err)
	}

	p := &profile.Profile{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, s.unavailable("get", ownerID, err)
	}

	return p, nil
}

func (s *ProfileStore) Put(ctx context.Context, ownerID string, p *profile.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}

	if err := s.client.HSet(ctx, s.key, ownerID, raw).Err(); err != nil {
		return s.unavailable("put", ownerID, err)
	}

	return nil
}

// UpdateSettings rewrites the stored profile inside a WATCH transaction on the profiles hash.
func (s *ProfileStore) UpdateSettings(ctx context.Context, ownerID string, settings profile.Settings) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.key, ownerID).Result()
		if errors.Is(err, redis.Nil) {
			return profile.ErrNoProfile
		}

		if err != nil {
			return err
		}

		p := &profile.Profile{}
		if err := json.Unmarshal([]byte(raw), p); err != nil {
			return err
		}

		p.Settings = settings

		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, ownerID, updated)
			return nil
		})

		return err
	}, s.key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return err
	default:
		return s.unavailable("update settings", ownerID, err)
	}
}

func (s *ProfileStore) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("redis profile store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "redis profile "+op+": "+err.Error())
}
