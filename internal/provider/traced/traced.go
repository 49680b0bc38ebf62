// Package traced wraps a tile provider with an OpenTelemetry span per fetch.
package traced

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loader"
)

const tracerName = "github.com/mohammed-shakir/terrain-tile-loader/internal/provider"

type Provider[P any] struct {
	name   string
	next   loader.Provider[P]
	tracer trace.Tracer
}

// Option configures a traced Provider.
type Option func(*options)

type options struct {
	tp trace.TracerProvider
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

func Wrap[P any](name string, next loader.Provider[P], opts ...Option) *Provider[P] {
	o := options{}
	for _, f := range opts {
		f(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	return &Provider[P]{name: name, next: next, tracer: o.tp.Tracer(tracerName)}
}

func (p *Provider[P]) FetchTile(ctx context.Context, loc model.LatLng, lod int) (P, error) {
	ctx, span := p.tracer.Start(ctx, "tile.fetch "+p.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tile.provider", p.name),
			attribute.Int("tile.lod", lod),
			attribute.Float64("tile.lat", loc.Lat),
			attribute.Float64("tile.lng", loc.Lng),
		),
	)
	defer span.End()

	v, err := p.next.FetchTile(ctx, loc, lod)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, err
	}
	if s, ok := any(v).(interface{ Size() int }); ok {
		span.SetAttributes(attribute.Int("tile.bytes", s.Size()))
	}
	return v, nil
}
