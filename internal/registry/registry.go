package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robodyne/robosync/internal/metrics"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/store"
)

const (
	pkgName = "internal/registry"

	opLoadAll = "loadAll"
	opCreate  = "create"
	opUpdate  = "update"
	opRemove  = "remove"
)

// Registry mediates every read and write of an owner's robot records against a RecordStore.
// Calls for the same owner run one at a time.
type Registry struct {
	store     store.RecordStore
	storeKind string
	locks     *ownerLocks
	logger    *slog.Logger
}

type Option func(*Registry)

// WithStoreKind sets the store label reported in metrics.
func WithStoreKind(kind string) Option {
	return func(r *Registry) {
		r.storeKind = kind
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func New(recordStore store.RecordStore, opts ...Option) *Registry {
	r := &Registry{
		store:     recordStore,
		storeKind: "unknown",
		locks:     newOwnerLocks(),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// LoadAll returns every persisted record of the owner, in store order.
func (r *Registry) LoadAll(ctx context.Context, ownerID string) ([]*model.Robot, error) {
	var robots []*model.Robot

	err := r.run(ctx, opLoadAll, ownerID, func(ctx context.Context) error {
		docs, err := r.store.List(ctx, ownerID)
		if err != nil {
			return err
		}

		robots = make([]*model.Robot, 0, len(docs))

		for _, doc := range docs {
			if doc.ID == "" {
				r.logger.Warn("skipping stored document without id", "owner", ownerID)
				continue
			}

			robot, err := model.RobotFromDocument(doc)
			if err != nil {
				return errors.Wrap(model.ErrStoreUnavailable, err.Error())
			}

			robots = append(robots, robot)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return robots, nil
}

// Create persists a draft and returns it with the id the store assigned. Callers reload
// with LoadAll to obtain the authoritative list.
func (r *Registry) Create(ctx context.Context, ownerID string, draft *model.Robot) (*model.Robot, error) {
	if draft == nil {
		return nil, errors.Wrap(model.ErrInvalidRecord, "nil draft")
	}

	var created *model.Robot

	err := r.run(ctx, opCreate, ownerID, func(ctx context.Context) error {
		if !draft.IsDraft() {
			return errors.Wrap(model.ErrInvalidRecord, "draft already carries id "+draft.ID)
		}

		if err := draft.Validate(); err != nil {
			return err
		}

		id, err := r.store.Insert(ctx, ownerID, draft.Fields())
		if err != nil {
			return err
		}

		if id == "" {
			return errors.Wrap(model.ErrStoreUnavailable, "store returned an empty id")
		}

		created = draft.Clone()
		created.ID = id

		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// Update merge-patches the record; fields the patch leaves unset are untouched.
func (r *Registry) Update(ctx context.Context, ownerID, id string, patch *model.Patch) error {
	if patch == nil {
		patch = &model.Patch{}
	}

	return r.run(ctx, opUpdate, ownerID, func(ctx context.Context) error {
		if id == "" {
			return errors.Wrap(model.ErrNotFound, "empty id")
		}

		if err := patch.Validate(); err != nil {
			return err
		}

		return r.store.Patch(ctx, ownerID, id, patch.Fields())
	})
}

// Remove deletes the record. Removing an absent id fails with model.ErrNotFound.
func (r *Registry) Remove(ctx context.Context, ownerID, id string) error {
	return r.run(ctx, opRemove, ownerID, func(ctx context.Context) error {
		if id == "" {
			return errors.Wrap(model.ErrNotFound, "empty id")
		}

		return r.store.Delete(ctx, ownerID, id)
	})
}

// run executes fn holding the owner lock, classifying its error and recording span and metrics.
func (r *Registry) run(ctx context.Context, op, ownerID string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"Registry."+op,
		trace.WithAttributes(
			attribute.String("owner", ownerID),
			attribute.String("store", r.storeKind),
		),
	)
	defer span.End()

	startTS := time.Now()

	err := r.runLocked(ctx, ownerID, fn)

	r.registerOperationMetrics(op, startTS, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		r.logger.Debug("registry operation failed", "op", op, "owner", ownerID, "error", err)
	}

	return err
}

func (r *Registry) runLocked(ctx context.Context, ownerID string, fn func(context.Context) error) error {
	if ownerID == "" {
		return model.ErrUnauthenticated
	}

	release, err := r.locks.acquire(ctx, ownerID)
	if err != nil {
		return err
	}
	defer release()

	return classify(fn(ctx))
}

func (r *Registry) registerOperationMetrics(op string, startTS time.Time, err error) {
	metrics.RegistryOperationsCounter.With(
		prometheus.Labels{
			"operation": op,
			"store":     r.storeKind,
			"result":    resultLabel(err),
		},
	).Inc()

	metrics.RegistryOperationTimeSummary.With(
		prometheus.Labels{
			"operation": op,
			"store":     r.storeKind,
		},
	).Observe(time.Since(startTS).Seconds())
}

// classify passes already-classified errors through and folds everything else into
// model.ErrStoreUnavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrUnauthenticated),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, model.ErrInvalidRecord):
		return err
	default:
		return errors.Wrap(model.ErrStoreUnavailable, err.Error())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidRecord):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unavailable"
	}
}
