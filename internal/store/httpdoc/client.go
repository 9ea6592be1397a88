package httpdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/robodyne/robosync/internal/configuration"
	"github.com/robodyne/robosync/internal/model"
)

var ErrConfig = errors.New("http store configuration error")

// Store is a record store backed by a remote robosync document API.
type Store struct {
	endpoint string
	client   *retryablehttp.Client
	logger   *logrus.Entry
}

// New returns a Store talking to the document API at cfg.Endpoint, authenticating with
// OAuth2 client credentials unless cfg.DisableOAuth is set.
func New(ctx context.Context, cfg *configuration.HTTPStoreOptions, logger *logrus.Entry) (*Store, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.Wrap(ErrConfig, "endpoint not defined")
	}

	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	var httpClient *http.Client

	if cfg.DisableOAuth {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	} else {
		var err error

		httpClient, err = newOAuthClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	httpClient.Timeout = cfg.Timeout

	return newWithHTTPClient(cfg, httpClient, logger), nil
}

func newWithHTTPClient(cfg *configuration.HTTPStoreOptions, httpClient *http.Client, logger *logrus.Entry) *Store {
	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = cfg.RetryMax
	client.CheckRetry = checkRetry
	client.Logger = slog.Default()

	return &Store{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		client:   client,
		logger:   logger,
	}
}

func newOAuthClient(ctx context.Context, cfg *configuration.HTTPStoreOptions) (*http.Client, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OidcIssuerEndpoint)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, "oidc provider: "+err.Error())
	}

	oauthConfig := clientcredentials.Config{
		ClientID:       cfg.OidcClientID,
		ClientSecret:   cfg.OidcClientSecret,
		TokenURL:       provider.Endpoint().TokenURL,
		Scopes:         cfg.OidcClientScopes,
		EndpointParams: url.Values{"audience": []string{cfg.OidcAudienceEndpoint}},
	}

	// token requests are traced too
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	client := oauthConfig.Client(tokenCtx)
	client.Transport = otelhttp.NewTransport(client.Transport)

	return client, nil
}

func (s *Store) List(ctx context.Context, ownerID string) ([]model.Document, error) {
	var docs []model.Document

	if err := s.do(ctx, http.MethodGet, s.robotsPath(ownerID), nil, &docs); err != nil {
		return nil, err
	}

	model.SortDocuments(docs)

	return docs, nil
}

func (s *Store) Insert(ctx context.Context, ownerID string, fields model.Fields) (string, error) {
	var created struct {
		ID string `json:"id"`
	}

	if err := s.do(ctx, http.MethodPost, s.robotsPath(ownerID), fields, &created); err != nil {
		return "", err
	}

	if created.ID == "" {
		return "", s.unavailable(http.MethodPost, ownerID, errors.New("response carries no id"))
	}

	return created.ID, nil
}

func (s *Store) Patch(ctx context.Context, ownerID, id string, fields model.Fields) error {
	return s.do(ctx, http.MethodPatch, s.robotPath(ownerID, id), fields, nil)
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	return s.do(ctx, http.MethodDelete, s.robotPath(ownerID, id), nil, nil)
}

func (s *Store) robotsPath(ownerID string) string {
	return s.endpoint + "/v1/owners/" + url.PathEscape(ownerID) + "/robots"
}

type methodKey struct{}

// checkRetry retries reads by the default policy. PATCH and DELETE are retried only when the
// request never reached the server, POST never, so a write is applied at most once.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	method, _ := ctx.Value(methodKey{}).(string)

	switch method {
	case http.MethodGet:
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	case http.MethodPatch, http.MethodDelete:
		return resp == nil && notSent(err), nil
	default:
		return false, nil
	}
}

// notSent reports whether err happened while dialing, before any byte of the request was written.
func notSent(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (s *Store) robotPath(ownerID, id string) string {
	return s.robotsPath(ownerID) + "/" + url.PathEscape(id)
}

// do sends the request and decodes a 2xx response body into out when out is non-nil.
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(model.ErrInvalidRecord, err.Error())
		}
	}

	ctx = context.WithValue(ctx, methodKey{}, method)

	req, err := retryablehttp.NewRequestWithContext(ctx, method, path, bytes.NewReader(payload))
	if err != nil {
		return s.unavailable(method, path, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.unavailable(method, path, err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(model.ErrNotFound, method+" "+path)
	case resp.StatusCode == http.StatusBadRequest:
		return errors.Wrap(model.ErrInvalidRecord, readError(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return s.unavailable(method, path, errors.New(resp.Status+": "+readError(resp.Body)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return s.unavailable(method, path, errors.Wrap(err, "decode response"))
	}

	return nil
}

func (s *Store) unavailable(method, path string, err error) error {
	s.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"err":    err.Error(),
	}).Warn("http record store call failed")

	return errors.Wrap(model.ErrStoreUnavailable, "http "+method+": "+err.Error())
}

func readError(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}

	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return err.Error()
	}

	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}

	return strings.TrimSpace(string(raw))
}
