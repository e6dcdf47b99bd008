package model

import (
	"encoding/json"
	"strings"
)

// ServiceError is returned to dashboard's http clients.
type ServiceError struct {
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Code int `json:"-"`
}

func (err ServiceError) Error() string {
	data, _ := json.Marshal(&err)

	return string(data)
}

type Error string

func (err Error) Error() string {
	return string(err)
}

const (
	ErrNotFound         Error = "not found"
	ErrMissingParameter Error = "missing parameter"
	ErrClosed           Error = "closed"
)

// MissingError lists required fields that were left empty.
type MissingError []string

func (err MissingError) Error() string {
	return string(ErrMissingParameter) + ": " + strings.Join(err, ", ")
}

// Is makes errors.Is(err, ErrMissingParameter) work.
func (err MissingError) Is(target error) bool {
	return target == ErrMissingParameter
}

// APIError is any failure of a backend call: transport, status or body.
// Message is fit to be shown to a human.
type APIError struct {
	Status  int
	Message string
	Cause   error
}

func (err *APIError) Error() string {
	return err.Message
}

func (err *APIError) Unwrap() error {
	return err.Cause
}
