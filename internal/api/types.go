package api

import (
	"time"

	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
)

// StatusResponse is the payload of GET /api/status.
type StatusResponse struct {
	Active          bool                   `json:"active"`
	Scheduler       scheduler.Status       `json:"scheduler"`
	ProductsTracked int                    `json:"products_tracked"`
	BaselineAt      time.Time              `json:"baseline_at,omitempty"`
	LastScanAt      time.Time              `json:"last_scan_at,omitempty"`
	AlertsLast24h   int                    `json:"alerts_last_24h"`
	RecentAlerts    []monitor.HistoryEntry `json:"recent_alerts"`
	Channels        []string               `json:"channels"`
	LastReport      *service.Report        `json:"last_report,omitempty"`
}

// StopResponse is the payload of POST /api/monitor/stop.
type StopResponse struct {
	Stopped bool            `json:"stopped"`
	State   scheduler.State `json:"state"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Status int `json:"-"`
	Error  struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}
