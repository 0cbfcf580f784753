package api

import (
	"github.com/agentgraph/runtime/pkg/config"
	"github.com/agentgraph/runtime/pkg/database"
)

// HealthResponse is returned by GET /health, mirroring the teacher's
// handler_health.go shape: overall status, build version, DB pool stats,
// and a snapshot of static topology config so an operator can tell what a
// given pod believes its own sizing is without grepping its environment.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Database  *database.HealthStatus `json:"database,omitempty"`
	Config    config.Stats           `json:"config"`
	CronTicks bool                   `json:"cron_scheduler_running"`
}

// CancelResponse is returned by POST /threads/:tid/runs/:rid/cancel.
type CancelResponse struct{}

// DeleteResponse is returned by every DELETE endpoint.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// CronCreateResponse carries only the created cron's id, since clients
// commonly only want the id back.
type CronCreateResponse struct {
	CronID string `json:"cron_id"`
}
