package models

// Broadcast event names delivered to observers
const (
	EventMarginStatus    = "margin_status"
	EventMarginCallAlert = "margin_call_alert"
	EventMarketUpdate    = "market_update"
	EventError           = "error"
)

// ErrorNotice is the payload of an error event sent to a single connection
type ErrorNotice struct {
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}
