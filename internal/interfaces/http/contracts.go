package http

import (
	"time"

	"github.com/sawpanic/marginwatch/internal/broadcast"
	"github.com/sawpanic/marginwatch/internal/models"
	"github.com/sawpanic/marginwatch/internal/scheduler"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// MarginResponse carries one client's margin status
type MarginResponse struct {
	Success bool                 `json:"success"`
	Data    *models.MarginStatus `json:"data"`
}

// MarginBatchResponse carries every evaluated client plus the ones that failed
type MarginBatchResponse struct {
	Success     bool                        `json:"success"`
	Statuses    []*models.MarginStatus      `json:"statuses"`
	Failures    []*models.EvaluationFailure `json:"failures"`
	MarginCalls int                         `json:"marginCalls"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// SchedulerStatusResponse lists registered jobs
type SchedulerStatusResponse struct {
	Success bool                  `json:"success"`
	Jobs    []scheduler.JobStatus `json:"jobs"`
}

// TriggerResponse wraps the result of a manual run. Success reports whether
// the run was accepted; the run outcome is in Result.
type TriggerResponse struct {
	Success bool                 `json:"success"`
	Result  *scheduler.JobResult `json:"result"`
}

// ToggleResponse is returned by start and stop
type ToggleResponse struct {
	Success bool   `json:"success"`
	Job     string `json:"job"`
	Running bool   `json:"running"`
}

// ConnectionsResponse is the debug view of the broadcast registry
type ConnectionsResponse struct {
	Success bool `json:"success"`
	broadcast.Stats
}
