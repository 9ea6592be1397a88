package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/model"
)

// The owner document API exposes the record store itself to peer robosync processes using
// the http store kind. The owner is taken from the path; see Router for who may use it.

func pathOwner(r *http.Request) string {
	return chi.URLParam(r, "owner")
}

func (h *HandlerFactory) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.robots.List(r.Context(), pathOwner(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

func (h *HandlerFactory) insertDocument(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeDocumentFields(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.robots.Insert(r.Context(), pathOwner(r), fields)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *HandlerFactory) patchDocument(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeDocumentFields(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.robots.Patch(r.Context(), pathOwner(r), chi.URLParam(r, "id"), fields); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HandlerFactory) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.robots.Delete(r.Context(), pathOwner(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeDocumentFields accepts only robot fields, with a valid battery.
func decodeDocumentFields(r *http.Request) (model.Fields, error) {
	if pathOwner(r) == "" {
		return nil, model.ErrUnauthenticated
	}

	fields, err := decodeFields(r.Body)
	if err != nil {
		return nil, err
	}

	patch, err := model.PatchFromFields(fields)
	if err != nil {
		return nil, err
	}

	if err := patch.Validate(); err != nil {
		return nil, errors.Wrap(err, "document fields")
	}

	return fields, nil
}
