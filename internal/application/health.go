package application

import (
	"context"

	"github.com/jobrunner/geoingest/internal/ports/input"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// readyProbeKey is looked up in the upload store to check reachability.
const readyProbeKey = ".ready"

// HealthService provides health check functionality.
type HealthService struct {
	store    output.FeatureStore
	uploads  output.UploadStore
	registry output.LayerRegistry
	metrics  output.MetricsCollector
}

// NewHealthService creates a new health service.
func NewHealthService(store output.FeatureStore, uploads output.UploadStore, registry output.LayerRegistry, metrics output.MetricsCollector) *HealthService {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &HealthService{
		store:    store,
		uploads:  uploads,
		registry: registry,
		metrics:  metrics,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true if the feature store and the upload store answer.
func (s *HealthService) IsReady(ctx context.Context) bool {
	components := s.components(ctx)
	for _, status := range components {
		if status != "ok" {
			return false
		}
	}
	return true
}

func (s *HealthService) components(ctx context.Context) map[string]string {
	components := map[string]string{
		"feature_store": "ok",
		"upload_store":  "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		components["feature_store"] = err.Error()
	}
	if _, err := s.uploads.Exists(ctx, readyProbeKey); err != nil {
		components["upload_store"] = err.Error()
	}
	return components
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := s.components(ctx)
	ready := true
	for _, status := range components {
		if status != "ok" {
			ready = false
		}
	}

	layers, err := s.registry.ListLayers(ctx, 0)
	if err != nil {
		components["registry"] = err.Error()
	} else {
		s.metrics.SetLayers(len(layers))
	}

	return input.HealthDetails{
		Healthy:    s.IsHealthy(ctx),
		Ready:      ready,
		Layers:     len(layers),
		Components: components,
	}
}
