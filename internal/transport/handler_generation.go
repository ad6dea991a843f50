package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/intake"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/internal/store"
	"github.com/pitabwire/sbomer/model"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Submitter accepts direct generation requests.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (model.WorkUnit, error)
	ExpectPlaceholder(ctx context.Context, sub intake.Submission) (model.WorkUnit, bool, error)
}

// ResourceRemover deletes the executor resources of a work unit.
type ResourceRemover interface {
	DeleteFor(ctx context.Context, workUnitID string) error
}

type generationRequest struct {
	Type       model.GenerationType `json:"type"`
	Identifier string               `json:"identifier"`
	Config     json.RawMessage      `json:"config,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func decodeSubmission(r *http.Request) (intake.Submission, error) {
	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return intake.Submission{}, model.NewBadRequestError("invalid JSON body")
	}
	sub := intake.Submission{Type: req.Type, Identifier: req.Identifier}
	// Unknown types are reported by the submission validation.
	if model.NewConfig(req.Type) != nil {
		cfg, err := model.DecodeConfig(req.Type, req.Config)
		if err != nil {
			return intake.Submission{}, model.NewValidationError([]model.FieldError{
				{Field: "config", Code: "invalid", Message: err.Error()},
			})
		}
		sub.Config = cfg
	}
	return sub, nil
}

func handleSubmit(submitter Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := decodeSubmission(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		u, err := submitter.Submit(r.Context(), sub)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/v1/generations/"+u.ID)
		WriteJSON(w, http.StatusAccepted, u)
	}
}

func handleExpectPlaceholder(submitter Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := decodeSubmission(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		u, created, err := submitter.ExpectPlaceholder(r.Context(), sub)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		w.Header().Set("Location", "/api/v1/generations/"+u.ID)
		WriteJSON(w, status, u)
	}
}

func handleListGenerations(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := store.WorkUnitFilters{
			Type:       model.GenerationType(q.Get("type")),
			Identifier: q.Get("identifier"),
			Offset:     queryInt(r, "offset", 0),
			Limit:      queryInt(r, "limit", defaultPageSize),
		}
		if filters.Limit <= 0 || filters.Limit > maxPageSize {
			filters.Limit = maxPageSize
		}
		for _, st := range q["status"] {
			filters.Statuses = append(filters.Statuses, model.WorkUnitStatus(st))
		}

		units, err := s.ListWorkUnits(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if units == nil {
			units = []model.WorkUnit{}
		}
		WriteJSON(w, http.StatusOK, listResponse[model.WorkUnit]{Items: units, Count: len(units)})
	}
}

func handleGetGeneration(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.GetWorkUnit(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, u)
	}
}

func handleListManifests(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.GetWorkUnit(r.Context(), id); err != nil {
			writeRequestError(w, r, err)
			return
		}
		manifests, err := s.ListManifests(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if manifests == nil {
			manifests = []model.Manifest{}
		}
		WriteJSON(w, http.StatusOK, listResponse[model.Manifest]{Items: manifests, Count: len(manifests)})
	}
}

// handleDeleteGeneration removes the unit first so the controller cannot
// recreate resources for it, then deletes the resources.
func handleDeleteGeneration(s store.Store, remover ResourceRemover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.DeleteWorkUnit(r.Context(), id); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if remover != nil {
			if err := remover.DeleteFor(r.Context(), id); err != nil {
				// The controller retries the cleanup when it next sees the id.
				observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("deleting executor resources failed",
					zap.String("work_unit_id", id),
					zap.Error(err),
				)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
