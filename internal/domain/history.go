package domain

import (
	"strings"
	"time"
)

// HistoryType classifies a history entry.
type HistoryType string

const (
	HistorySearch   HistoryType = "search"
	HistoryLogin    HistoryType = "login"
	HistoryFavorite HistoryType = "favorite"
)

// HistoryAction is set on favorite entries.
type HistoryAction string

const (
	ActionAdd    HistoryAction = "add"
	ActionRemove HistoryAction = "remove"
)

// HistoryDetails carries the type-specific payload of a history entry.
type HistoryDetails struct {
	Query       string        `json:"query,omitempty"`
	Coordinates *Coordinates  `json:"coordinates,omitempty"`
	Success     *bool         `json:"success,omitempty"`
	Action      HistoryAction `json:"action,omitempty"`
	Location    string        `json:"location,omitempty"`
}

// HistoryEntry records a user's search, login or favorite activity.
type HistoryEntry struct {
	ID        string         `json:"id,omitempty"`
	Type      HistoryType    `json:"type"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Details   HistoryDetails `json:"details"`
}

// Validate returns a *ValidationError if the entry cannot be stored.
func (h HistoryEntry) Validate() error {
	var fields []FieldError

	switch h.Type {
	case HistorySearch, HistoryLogin, HistoryFavorite:
	default:
		fields = append(fields, FieldError{Field: "type", Message: "type must be one of search, login, favorite"})
	}
	if strings.TrimSpace(h.UserID) == "" {
		fields = append(fields, FieldError{Field: "userId", Message: "userId is required"})
	}
	if h.Type == HistoryFavorite {
		switch h.Details.Action {
		case ActionAdd, ActionRemove:
		default:
			fields = append(fields, FieldError{Field: "details.action", Message: "action must be add or remove"})
		}
	}
	if h.Details.Coordinates != nil {
		fields = append(fields, h.Details.Coordinates.validate()...)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// BelongsTo reports whether the entry is owned by userID, ignoring case.
func (h HistoryEntry) BelongsTo(userID string) bool {
	return normalize(h.UserID) == normalize(userID)
}
