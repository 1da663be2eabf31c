package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"weatherfav/internal/domain"
	"weatherfav/internal/favorites"
	"weatherfav/internal/storage"
)

const maxBodyBytes = 1 << 20

// favoriteRequest is the POST /favorites body. Pointer fields tell a missing
// coordinate apart from a zero one.
type favoriteRequest struct {
	UserID      string `json:"userId"`
	City        string `json:"city"`
	Coordinates *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coordinates"`
}

func (req favoriteRequest) candidate() domain.Candidate {
	c := domain.Candidate{UserID: req.UserID, City: req.City}
	if req.Coordinates != nil && req.Coordinates.Lat != nil && req.Coordinates.Lon != nil {
		c.Coordinates = &domain.Coordinates{Lat: *req.Coordinates.Lat, Lon: *req.Coordinates.Lon}
	}
	return c
}

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

type conflictResponse struct {
	Error     string          `json:"error"`
	Existing  domain.Favorite `json:"existing"`
	Requested domain.Key      `json:"requested"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateFavorite runs the admission gate.
// 201 created, 400 invalid, 409 duplicate, 500 store failure.
func (s *Server) handleCreateFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	fav, err := s.svc.Submit(r.Context(), req.candidate())
	if err != nil {
		var conflict *favorites.ConflictError
		if errors.As(err, &conflict) {
			respondJSON(w, http.StatusConflict, conflictResponse{
				Error:     "Favorite already exists",
				Existing:  conflict.Existing,
				Requested: conflict.Requested,
			})
			return
		}
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/favorites/"+fav.ID)
	respondJSON(w, http.StatusCreated, fav)
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	favs, err := s.svc.List(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, favs)
}

func (s *Server) handleGetFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, fav)
}

func (s *Server) handleDeleteFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Database reset successful"})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.History(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateHistory(w http.ResponseWriter, r *http.Request) {
	var entry domain.HistoryEntry
	if err := decodeJSON(w, r, &entry); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	// Ids are always server-assigned.
	entry.ID = ""

	saved, err := s.svc.RecordHistory(r.Context(), entry)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

// respondError maps the error taxonomy onto status codes. Anything unknown,
// including ErrUnavailable, is a 500 with a generic message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, favorites.ErrResetDisabled):
		respondJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
