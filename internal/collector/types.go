package collector

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	EventsStored  int    `json:"events_stored"`
}

// ListResponse is returned by GET /jarvis/events.
type ListResponse struct {
	Events []Record `json:"events"`
}
