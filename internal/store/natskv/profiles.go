package natskv

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
)

// profileKeyPrefix keeps profile entries apart from robot entries, whose keys start with hex.
const profileKeyPrefix = "profile."

// ProfileStore keeps one KV entry per owner profile in the robots bucket.
type ProfileStore struct {
	kv     jetstream.KeyValue
	logger *logrus.Entry
}

var _ profile.Store = (*ProfileStore)(nil)

func NewProfileStore(kv jetstream.KeyValue, logger *logrus.Entry) *ProfileStore {
	return &ProfileStore{kv: kv, logger: logger}
}

func (s *ProfileStore) Get(ctx context.Context, ownerID string) (*profile.Profile, error) {
	p, _, err := s.get(ctx, ownerID)
	if err != nil {
		return nil, s.unavailable("get", ownerID, err)
	}

	return p, nil
}

func (s *ProfileStore) Put(ctx context.Context, ownerID string, p *profile.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}

	if _, err := s.kv.Put(ctx, profileKey(ownerID), raw); err != nil {
		return s.unavailable("put", ownerID, err)
	}

	return nil
}

// UpdateSettings writes conditionally on the revision read, failing rather than losing a concurrent Put.
func (s *ProfileStore) UpdateSettings(ctx context.Context, ownerID string, settings profile.Settings) error {
	p, revision, err := s.get(ctx, ownerID)
	if err != nil {
		return s.unavailable("update settings", ownerID, err)
	}

	if p == nil {
		return profile.ErrNoProfile
	}

	p.Settings = settings

	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}

	if _, err := s.kv.Update(ctx, profileKey(ownerID), raw, revision); err != nil {
		return s.unavailable("update settings", ownerID, err)
	}

	return nil
}

// get returns nil when the owner has no profile.
func (s *ProfileStore) get(ctx context.Context, ownerID string) (*profile.Profile, uint64, error) {
	entry, err := s.kv.Get(ctx, profileKey(ownerID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}

	if err != nil {
		return nil, 0, err
	}

	p := &profile.Profile{}
	if err := json.Unmarshal(entry.Value(), p); err != nil {
		return nil, 0, errors.Wrap(err, "decode profile")
	}

	return p, entry.Revision(), nil
}

func (s *ProfileStore) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("nats kv profile store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "nats kv profile "+op+": "+err.Error())
}

func profileKey(ownerID string) string {
	return profileKeyPrefix + ownerToken(ownerID)
}
