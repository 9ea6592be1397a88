package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/configuration"
	"github.com/robodyne/robosync/internal/log"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
	"github.com/robodyne/robosync/internal/store/httpdoc"
	"github.com/robodyne/robosync/internal/store/kind"
	"github.com/robodyne/robosync/internal/store/memory"
	"github.com/robodyne/robosync/internal/store/natskv"
	"github.com/robodyne/robosync/internal/store/postgres"
	redisstore "github.com/robodyne/robosync/internal/store/redis"
)

//go:generate mockgen -source=store.go -destination=mock_store.go -package=store

// RecordStore is a per-owner document collection of robot records.
type RecordStore interface {
	// List returns every document held for the owner, ordered by id.
	List(ctx context.Context, ownerID string) ([]model.Document, error)
	// Insert stores a new document and returns the id the store assigned.
	Insert(ctx context.Context, ownerID string, fields model.Fields) (string, error)
	// Patch merges fields into an existing document, failing with model.ErrNotFound if absent.
	Patch(ctx context.Context, ownerID, id string, fields model.Fields) error
	// Delete removes a document, failing with model.ErrNotFound if absent.
	Delete(ctx context.Context, ownerID, id string) error
}

var (
	_ RecordStore = (*memory.Store)(nil)
	_ RecordStore = (*postgres.Store)(nil)
	_ RecordStore = (*natskv.Store)(nil)
	_ RecordStore = (*redisstore.Store)(nil)
	_ RecordStore = (*httpdoc.Store)(nil)
)

// Repository bundles the stores a robosync process works against.
type Repository struct {
	Robots   RecordStore
	Profiles profile.Store

	closers []func()
}

// Close releases the backend connections.
func (r *Repository) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// NewRepository connects the record store selected by config.StoreKind.
func NewRepository(ctx context.Context, config *configuration.Configuration) (*Repository, error) {
	logger := log.NewComponentLogger(config.LogLevel, "store."+config.StoreKind.String())

	repo := &Repository{Profiles: profile.NewMemoryStore()}

	switch config.StoreKind {
	case kind.Memory:
		repo.Robots = memory.New()

	case kind.Postgres:
		pool, err := postgres.Connect(ctx, config.Postgres.DSN, config.Postgres.MaxConns)
		if err != nil {
			return nil, errors.Wrap(model.ErrStoreUnavailable, err.Error())
		}

		repo.closers = append(repo.closers, pool.Close)

		robots, err := postgres.New(ctx, pool, logger)
		if err != nil {
			repo.Close()
			return nil, errors.Wrap(model.ErrStoreUnavailable, err.Error())
		}

		profiles, err := postgres.NewProfileStore(ctx, pool, logger)
		if err != nil {
			repo.Close()
			return nil, errors.Wrap(model.ErrStoreUnavailable, err.Error())
		}

		repo.Robots = robots
		repo.Profiles = profiles

	case kind.Nats:
		nc, kv, err := natskv.Connect(ctx, &natskv.Options{
			URL:            config.Nats.URL,
			CredsFile:      config.Nats.CredsFile,
			Bucket:         config.Nats.Bucket,
			Replicas:       config.Nats.KVReplicas,
			ConnectTimeout: config.Nats.ConnectTimeout,
		}, model.AppName)
		if err != nil {
			return nil, errors.Wrap(model.ErrStoreUnavailable, err.Error())
		}

		repo.closers = append(repo.closers, nc.Close)
		repo.Robots = natskv.New(kv, logger)
		repo.Profiles = natskv.NewProfileStore(kv, logger)

	case kind.Redis:
		client, err := redisstore.Connect(ctx, &redisstore.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err != nil {
			return nil, errors.Wrap(model.ErrStoreUnavailable, err.Error())
		}

		repo.closers = append(repo.closers, func() { _ = client.Close() })
		repo.Robots = redisstore.New(client, config.Redis.KeyPrefix, logger)
		repo.Profiles = redisstore.NewProfileStore(client, config.Redis.KeyPrefix, logger)

	case kind.HTTP:
		robots, err := httpdoc.New(ctx, config.HTTPStore, logger)
		if err != nil {
			return nil, err
		}

		repo.Robots = robots

		// the document API serves robot records only
		logger.Warn("http store kind keeps owner profiles in memory, they are lost on restart")

	default:
		return nil, errors.Wrap(kind.ErrUnknownStoreKind, config.StoreKind.String())
	}

	return repo, nil
}
