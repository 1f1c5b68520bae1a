package application

import (
	"context"

	"github.com/jobrunner/geoingest/internal/domain"
)

// DefaultGate lets authenticated callers read and write every layer and
// anonymous callers read public layers.
type DefaultGate struct{}

// CanRead implements output.PermissionGate.
func (DefaultGate) CanRead(_ context.Context, caller domain.Caller, layer *domain.Layer) bool {
	return layer.IsPublic || caller.Authenticated
}

// CanWrite implements output.PermissionGate.
func (DefaultGate) CanWrite(_ context.Context, caller domain.Caller, _ *domain.Layer) bool {
	return caller.Authenticated
}
