package redisstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
)

// Options configure the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a record store keeping one redis hash per owner, field id -> JSON document.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *logrus.Entry
	newID     func() string
}

// Connect creates a redis client and checks it can reach the server.
func Connect(ctx context.Context, opts *Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis "+opts.Addr)
	}

	return client, nil
}

func New(client redis.UniversalClient, keyPrefix string, logger *logrus.Entry) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

func (s *Store) List(ctx context.Context, ownerID string) ([]model.Document, error) {
	values, err := s.client.HGetAll(ctx, s.ownerKey(ownerID)).Result()
	if err != nil {
		return nil, s.unavailable("list", ownerID, err)
	}

	docs := make([]model.Document, 0, len(values))

	for id, raw := range values {
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, s.unavailable("list", ownerID, err)
		}

		docs = append(docs, model.Document{ID: id, Fields: fields})
	}

	model.SortDocuments(docs)

	return docs, nil
}

func (s *Store) Insert(ctx context.Context, ownerID string, fields model.Fields) (string, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return "", err
	}

	id := s.newID()

	created, err := s.client.HSetNX(ctx, s.ownerKey(ownerID), id, raw).Result()
	if err != nil {
		return "", s.unavailable("insert", ownerID, err)
	}

	if !created {
		return "", s.unavailable("insert", ownerID, errors.New("generated id already in use: "+id))
	}

	return id, nil
}

// Patch merges fields into the stored document inside a WATCH transaction on the owner hash.
func (s *Store) Patch(ctx context.Context, ownerID, id string, fields model.Fields) error {
	key := s.ownerKey(ownerID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			return errors.Wrap(model.ErrNotFound, id)
		}

		if err != nil {
			return err
		}

		merged, err := mergeFields(raw, fields)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, id, merged)
			return nil
		})

		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return err
	default:
		return s.unavailable("patch", ownerID, err)
	}
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	removed, err := s.client.HDel(ctx, s.ownerKey(ownerID), id).Result()
	if err != nil {
		return s.unavailable("delete", ownerID, err)
	}

	if removed == 0 {
		return errors.Wrap(model.ErrNotFound, id)
	}

	return nil
}

func (s *Store) ownerKey(ownerID string) string {
	return s.keyPrefix + ":robots:" + ownerID
}

func (s *Store) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("redis record store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "redis "+op+": "+err.Error())
}

func mergeFields(raw string, patch model.Fields) (string, error) {
	current, err := decodeFields(raw)
	if err != nil {
		return "", err
	}

	for name, value := range patch {
		current[name] = value
	}

	merged, err := encodeFields(current)
	if err != nil {
		return "", err
	}

	return string(merged), nil
}

func encodeFields(fields model.Fields) ([]byte, error) {
	if fields == nil {
		fields = model.Fields{}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidRecord, err.Error())
	}

	return raw, nil
}

func decodeFields(raw string) (model.Fields, error) {
	fields := model.Fields{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, errors.Wrap(err, "decode fields")
	}

	return fields, nil
}
