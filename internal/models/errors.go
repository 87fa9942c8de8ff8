package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the root of the user-input-shaped lookup failures
	ErrNotFound = errors.New("not found")

	// ErrNoPositions and ErrNoAccount both match errors.Is(err, ErrNotFound)
	ErrNoPositions = fmt.Errorf("no positions found for client: %w", ErrNotFound)
	ErrNoAccount   = fmt.Errorf("no margin account found for client: %w", ErrNotFound)

	// ErrProviderUnavailable means every upstream market data source failed
	ErrProviderUnavailable = errors.New("market data provider unavailable")

	// ErrIndexMismatch is returned when deregistering with a clientId the connection is not bound to
	ErrIndexMismatch = errors.New("connection is not bound to client")

	// ErrUnknownConnection means no registered connection has the given id
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownJob means the name is neither a job nor a trigger alias
	ErrUnknownJob = errors.New("unknown job")
)

// EvaluationFailure isolates one client's failure inside a batch evaluation
type EvaluationFailure struct {
	ClientID string `json:"clientId"`
	Err      error  `json:"-"`
}

func (e *EvaluationFailure) Error() string {
	return fmt.Sprintf("margin evaluation failed for client %s: %v", e.ClientID, e.Err)
}

func (e *EvaluationFailure) Unwrap() error { return e.Err }

// MarshalJSON reports the failure with its message, since error values do not encode.
func (e *EvaluationFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		ClientID string `json:"clientId"`
		Error    string `json:"error"`
	}{e.ClientID, msg})
}
