package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthMetrics holds metric instruments for authentication operations.
type AuthMetrics struct {
	AuthAttempts metric.Int64Counter // Total auth attempts
	AuthFailures metric.Int64Counter // Failed or vetoed attempts
	AuthDuration metric.Float64Histogram
}

// NewAuthMetrics creates metric instruments for authentication telemetry.
func NewAuthMetrics() (*AuthMetrics, error) {
	meter := otel.Meter("gitgridd/auth")

	authAttempts, err := meter.Int64Counter(
		"auth.attempt.count",
		metric.WithDescription("Total number of authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	authFailures, err := meter.Int64Counter(
		"auth.failure.count",
		metric.WithDescription("Total number of failed authentication attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	authDuration, err := meter.Float64Histogram(
		"auth.duration",
		metric.WithDescription("Authentication operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		AuthAttempts: authAttempts,
		AuthFailures: authFailures,
		AuthDuration: authDuration,
	}, nil
}

// RecordAuth records an authentication attempt with result and duration.
// A nil receiver is a no-op so callers need not guard optional metrics.
func (a *AuthMetrics) RecordAuth(ctx context.Context, method string, success bool, durationMs float64) {
	if a == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAuthMethod, method),
		attribute.Bool("auth.success", success),
	)

	a.AuthAttempts.Add(ctx, 1, attrs)
	a.AuthDuration.Record(ctx, durationMs, attrs)

	if !success {
		a.AuthFailures.Add(ctx, 1, attrs)
	}
}

// RegistryMetrics holds metric instruments for the repository registry.
type RegistryMetrics struct {
	CacheHits     metric.Int64Counter
	Reloads       metric.Int64Counter
	Rebuilds      metric.Int64Counter
	BusyRefusals  metric.Int64Counter
	OpenHandles   metric.Int64UpDownCounter
	SizeWalkBytes metric.Int64Histogram
}

// NewRegistryMetrics creates metric instruments for registry telemetry.
func NewRegistryMetrics() (*RegistryMetrics, error) {
	meter := otel.Meter("gitgridd/registry")

	cacheHits, err := meter.Int64Counter(
		"registry.cache.hit.count",
		metric.WithDescription("Lookups answered from a fresh cache entry"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	reloads, err := meter.Int64Counter(
		"registry.reload.count",
		metric.WithDescription("Descriptors reloaded from disk"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	rebuilds, err := meter.Int64Counter(
		"registry.rebuild.count",
		metric.WithDescription("Full repository list rebuilds"),
		metric.WithUnit("{rebuild}"),
	)
	if err != nil {
		return nil, err
	}

	busy, err := meter.Int64Counter(
		"registry.busy.count",
		metric.WithDescription("Operations refused because a repository was compacting"),
		metric.WithUnit("{refusal}"),
	)
	if err != nil {
		return nil, err
	}

	handles, err := meter.Int64UpDownCounter(
		"registry.handles.open",
		metric.WithDescription("Repository handles currently retained"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return nil, err
	}

	sizes, err := meter.Int64Histogram(
		"registry.size.bytes",
		metric.WithDescription("Repository sizes computed by directory walks"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &RegistryMetrics{
		CacheHits:     cacheHits,
		Reloads:       reloads,
		Rebuilds:      rebuilds,
		BusyRefusals:  busy,
		OpenHandles:   handles,
		SizeWalkBytes: sizes,
	}, nil
}

func (m *RegistryMetrics) Hit(ctx context.Context) {
	if m != nil {
		m.CacheHits.Add(ctx, 1)
	}
}

func (m *RegistryMetrics) Reload(ctx context.Context) {
	if m != nil {
		m.Reloads.Add(ctx, 1)
	}
}

func (m *RegistryMetrics) Rebuild(ctx context.Context) {
	if m != nil {
		m.Rebuilds.Add(ctx, 1)
	}
}

func (m *RegistryMetrics) Busy(ctx context.Context, repository string) {
	if m != nil {
		m.BusyRefusals.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRepository, repository)))
	}
}

func (m *RegistryMetrics) HandleOpened(ctx context.Context) {
	if m != nil {
		m.OpenHandles.Add(ctx, 1)
	}
}

func (m *RegistryMetrics) HandleClosed(ctx context.Context) {
	if m != nil {
		m.OpenHandles.Add(ctx, -1)
	}
}

func (m *RegistryMetrics) SizeComputed(ctx context.Context, bytes int64) {
	if m != nil {
		m.SizeWalkBytes.Record(ctx, bytes)
	}
}
