package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Favorite is a user-owned bookmark of a named location.
type Favorite struct {
	// ID is assigned by the store on creation and is empty before that.
	ID string `json:"id,omitempty"`

	// UserID identifies the owning user. Stored as submitted.
	UserID string `json:"userId"`

	// City is the location label. Stored as submitted, original casing preserved.
	City string `json:"city"`

	Coordinates Coordinates `json:"coordinates"`
}

// Key returns the normalized duplicate key of the favorite.
func (f Favorite) Key() Key {
	return NewKey(f.UserID, f.City)
}

// Key is the normalized (userId, city) pair used for duplicate detection.
// Coordinates are deliberately not part of it.
type Key struct {
	UserID string `json:"userId"`
	City   string `json:"city"`
}

// NewKey trims and lowercases both components.
func NewKey(userID, city string) Key {
	return Key{
		UserID: normalize(userID),
		City:   normalize(city),
	}
}

// String renders the key as a single string, suitable for hashing and storage keys.
// The user id is length-prefixed, so distinct keys never collide whatever bytes
// the components contain.
func (k Key) String() string {
	return strconv.Itoa(len(k.UserID)) + ":" + k.UserID + k.City
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Candidate is a favorite submitted for admission. A nil Coordinates means the
// client did not send any.
type Candidate struct {
	UserID      string
	City        string
	Coordinates *Coordinates
}

// Key returns the normalized duplicate key of the candidate.
func (c Candidate) Key() Key {
	return NewKey(c.UserID, c.City)
}

// Validate checks the candidate and returns a *ValidationError describing
// every offending field, or nil.
func (c Candidate) Validate() error {
	var fields []FieldError

	if normalize(c.UserID) == "" {
		fields = append(fields, FieldError{Field: "userId", Message: "userId is required"})
	}
	if normalize(c.City) == "" {
		fields = append(fields, FieldError{Field: "city", Message: "city is required"})
	}
	if c.Coordinates == nil {
		fields = append(fields, FieldError{Field: "coordinates", Message: "coordinates are required"})
	} else {
		fields = append(fields, c.Coordinates.validate()...)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Favorite converts a validated candidate into an unsaved record.
func (c Candidate) Favorite() Favorite {
	f := Favorite{UserID: c.UserID, City: c.City}
	if c.Coordinates != nil {
		f.Coordinates = *c.Coordinates
	}
	return f
}

func (c Coordinates) validate() []FieldError {
	var fields []FieldError
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		fields = append(fields, FieldError{Field: "coordinates.lat", Message: "lat must be a finite number in [-90, 90]"})
	}
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || c.Lon < -180 || c.Lon > 180 {
		fields = append(fields, FieldError{Field: "coordinates.lon", Message: "lon must be a finite number in [-180, 180]"})
	}
	return fields
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
