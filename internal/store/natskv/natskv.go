package natskv

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robodyne/robosync/internal/model"
)

// Options configure the JetStream KV bucket connection.
type Options struct {
	URL            string
	CredsFile      string
	Bucket         string
	Replicas       int
	ConnectTimeout time.Duration
}

// Store is a record store keeping one KV entry per robot, keyed <hex(owner)>.<id>.
type Store struct {
	kv     jetstream.KeyValue
	logger *logrus.Entry
	newID  func() string
}

// Connect dials NATS and binds (creating when missing) the robots bucket.
func Connect(ctx context.Context, opts *Options, clientName string) (*nats.Conn, jetstream.KeyValue, error) {
	natsOpts := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(opts.ConnectTimeout),
	}

	if opts.CredsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.CredsFile))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to nats")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "jetstream context")
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "robot records by owner",
		Replicas:    opts.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "bind kv bucket "+opts.Bucket)
	}

	return nc, kv, nil
}

func New(kv jetstream.KeyValue, logger *logrus.Entry) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

func (s *Store) List(ctx context.Context, ownerID string) ([]model.Document, error) {
	prefix := ownerToken(ownerID) + "."

	lister, err := s.kv.ListKeysFiltered(ctx, prefix+"*")
	if err != nil {
		return nil, s.unavailable("list", ownerID, err)
	}

	defer func() {
		if err := lister.Stop(); err != nil {
			s.logger.WithError(err).Debug("kv key lister stop")
		}
	}()

	var docs []model.Document

	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// deleted between listing and reading
			continue
		}

		if err != nil {
			return nil, s.unavailable("list", ownerID, err)
		}

		fields, err := decodeFields(entry.Value())
		if err != nil {
			return nil, s.unavailable("list", ownerID, err)
		}

		docs = append(docs, model.Document{ID: strings.TrimPrefix(key, prefix), Fields: fields})
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

	if _, err := s.kv.Create(ctx, key(ownerID, id), raw); err != nil {
		return "", s.unavailable("insert", ownerID, err)
	}

	return id, nil
}

// Patch merges fields into the stored entry. The write is conditional on the
// revision that was read so a concurrent delete is not resurrected.
func (s *Store) Patch(ctx context.Context, ownerID, id string, fields model.Fields) error {
	k := key(ownerID, id)

	entry, err := s.kv.Get(ctx, k)
	if isMissing(err) {
		return errors.Wrap(model.ErrNotFound, id)
	}

	if err != nil {
		return s.unavailable("patch", ownerID, err)
	}

	current, err := decodeFields(entry.Value())
	if err != nil {
		return s.unavailable("patch", ownerID, err)
	}

	for name, value := range fields {
		current[name] = value
	}

	raw, err := encodeFields(current)
	if err != nil {
		return err
	}

	if _, err := s.kv.Update(ctx, k, raw, entry.Revision()); err != nil {
		return s.unavailable("patch", ownerID, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	k := key(ownerID, id)

	entry, err := s.kv.Get(ctx, k)
	if isMissing(err) {
		return errors.Wrap(model.ErrNotFound, id)
	}

	if err != nil {
		return s.unavailable("delete", ownerID, err)
	}

	if err := s.kv.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil {
		return s.unavailable("delete", ownerID, err)
	}

	return nil
}

func (s *Store) unavailable(op, ownerID string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"op":      op,
		"ownerID": ownerID,
		"err":     err.Error(),
	}).Warn("nats kv record store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "nats kv "+op+": "+err.Error())
}

// isMissing reports whether a Get failed because no entry can exist under the key. An id
// that is not a valid key, such as one with spaces or wildcards, was never stored.
func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey)
}

// ownerToken hex encodes the owner id, since subjects from identity providers
// may carry characters that are not valid in KV keys.
func ownerToken(ownerID string) string {
	return hex.EncodeToString([]byte(ownerID))
}

func key(ownerID, id string) string {
	return ownerToken(ownerID) + "." + id
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

func decodeFields(raw []byte) (model.Fields, error) {
	fields := model.Fields{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "decode fields")
	}

	return fields, nil
}
