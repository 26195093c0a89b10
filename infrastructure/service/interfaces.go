// Package service provides common long-running process infrastructure shared
// by the sync orchestrator and its background workers.
package service

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// BackgroundHost is the interface every long-running host implements.
// It gives consistent lifecycle management across the orchestrator,
// job reaper and outbox drain processes.
type BackgroundHost interface {
	ID() string
	Name() string
	Version() string

	Start(ctx context.Context) error
	Stop() error

	Router() chi.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics for the /info endpoint.
type StatisticsProvider interface {
	// Statistics returns service-specific runtime statistics, included
	// in the /info response under "statistics".
	Statistics() map[string]any
}

// Hydratable services can reload state from persistence on startup.
// BaseService.Start does not call Hydrate; it runs the hook set with
// WithHydrate before background workers are started.
type Hydratable interface {
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
type HealthChecker interface {
	// HealthStatus returns "healthy", "degraded" or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
