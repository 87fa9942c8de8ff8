package models

// Report counts the per-item work done by one job run: accounts evaluated,
// symbols refreshed or rows deleted.
type Report struct {
	Items    int `json:"items"`
	Failures int `json:"failures"`
	Alerts   int `json:"alerts"`
}
