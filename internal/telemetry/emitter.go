// Package telemetry carries authentication lifecycle events out of the session core.
package telemetry

import (
	"context"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry/domain"
)

// EventEmitter emits lifecycle events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}

// Nop is an EventEmitter that drops every event.
type Nop struct{}

// Emit implements EventEmitter.
func (Nop) Emit(context.Context, *domain.Event) error { return nil }
