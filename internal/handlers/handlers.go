package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
	"github.com/robodyne/robosync/internal/registry"
	"github.com/robodyne/robosync/internal/store"
	"github.com/robodyne/robosync/internal/view"
)

const maxBodyBytes = 1 << 20

// HandlerFactory has the data and business logic for the HTTP API
type HandlerFactory struct {
	registry *registry.Registry
	robots   store.RecordStore
	profiles *profile.Service
	owner    auth.OwnerProvider
}

// NewHandlerFactory returns a new instance of the Handler
func NewHandlerFactory(reg *registry.Registry, robots store.RecordStore, profiles *profile.Service) *HandlerFactory {
	return &HandlerFactory{
		registry: reg,
		robots:   robots,
		profiles: profiles,
		owner:    auth.Context{},
	}
}

// Router serves the user API, where the owner comes from authn, and the owner document API,
// where it comes from the path. Document requests pass documentAuthn and are allowed only on the
// caller's own path unless the caller holds the service grant. A nil documentAuthn leaves the
// document API unmounted.
func (h *HandlerFactory) Router(authn, documentAuthn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authn)

			r.Route("/robots", func(r chi.Router) {
				r.Get("/", h.listRobots)
				r.Post("/", h.createRobot)
				r.Patch("/{id}", h.updateRobot)
				r.Delete("/{id}", h.removeRobot)
			})

			r.Get("/summary", h.summary)

			r.Route("/profile", func(r chi.Router) {
				r.Get("/", h.getProfile)
				r.Post("/", h.registerProfile)
				r.Put("/settings", h.updateSettings)
			})
		})

		if documentAuthn == nil {
			return
		}

		r.Route("/owners/{owner}/robots", func(r chi.Router) {
			r.Use(documentAuthn)
			r.Use(auth.OwnerPath(pathOwner))

			r.Get("/", h.listDocuments)
			r.Post("/", h.insertDocument)
			r.Patch("/{id}", h.patchDocument)
			r.Delete("/{id}", h.deleteDocument)
		})
	})

	return r
}

func (h *HandlerFactory) listRobots(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	robots, err := h.registry.LoadAll(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, robots)
}

func (h *HandlerFactory) createRobot(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	var draft model.Robot
	if err := decodeBody(r.Body, &draft, true); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.registry.Create(r.Context(), ownerID, &draft)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *HandlerFactory) updateRobot(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	patch, err := decodePatch(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.registry.Update(r.Context(), ownerID, chi.URLParam(r, "id"), patch); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HandlerFactory) removeRobot(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.registry.Remove(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HandlerFactory) summary(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	robots, err := h.registry.LoadAll(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	summary := struct {
		view.Summary
		Greeting string `json:"greeting,omitempty"`
	}{Summary: view.Summarize(robots)}

	// a missing or unreachable profile only drops the greeting
	if name, err := h.profiles.FirstName(r.Context(), ownerID); err == nil {
		summary.Greeting = name
	} else {
		slog.Warn("profile lookup failed", "owner", ownerID, "error", err)
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *HandlerFactory) getProfile(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.profiles.Get(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	if p == nil {
		writeError(w, profile.ErrNoProfile)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

type registerRequest struct {
	Email   string          `json:"email"`
	Details profile.Details `json:"profile"`
}

func (h *HandlerFactory) registerProfile(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	var req registerRequest
	if err := decodeBody(r.Body, &req, true); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.profiles.Register(r.Context(), ownerID, req.Email, req.Details)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (h *HandlerFactory) updateSettings(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.RequireOwner(r.Context(), h.owner)
	if err != nil {
		writeError(w, err)
		return
	}

	var settings profile.Settings
	if err := decodeBody(r.Body, &settings, true); err != nil {
		writeError(w, err)
		return
	}

	if err := h.profiles.UpdateSettings(r.Context(), ownerID, settings); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(body io.Reader, out any, strict bool) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if strict {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(out); err != nil {
		return errors.Wrap(model.ErrInvalidRecord, "invalid json body: "+err.Error())
	}

	return nil
}

func decodeFields(body io.Reader) (model.Fields, error) {
	var fields model.Fields
	if err := decodeBody(body, &fields, false); err != nil {
		return nil, err
	}

	if fields == nil {
		fields = model.Fields{}
	}

	return fields, nil
}

func decodePatch(body io.Reader) (*model.Patch, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return nil, err
	}

	patch, err := model.PatchFromFields(fields)
	if err != nil {
		return nil, err
	}

	return patch, patch.Validate()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrInvalidRecord):
		return http.StatusBadRequest, "INVALID_RECORD"
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("unhandled API error", "error", err)
		msg = "internal server error"
	}

	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTS := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(startTS),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
