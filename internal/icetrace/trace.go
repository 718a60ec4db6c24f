// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package icetrace wires OpenTelemetry spans around the introspection-kernel
// operations (currently State's Attach, Detach and RunUntil), gated behind a
// single on/off switch so
// Jaeger export can be disabled entirely without touching call sites.
package icetrace

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var traceLogger = logrus.NewEntry(logrus.New())

var tracing bool
var provider *sdktrace.TracerProvider

// JaegerConfig carries the Jaeger collector endpoint and credentials.
type JaegerConfig struct {
	Endpoint string
	User     string
	Password string
}

// SetTracing turns span emission on or off. Disabled by default: spans are
// still created against a no-op tracer so call sites never need a nil check.
func SetTracing(enabled bool) {
	tracing = enabled
}

// Start configures the global tracer provider. Safe to call once at
// process start; a no-op when tracing is disabled.
func Start(name string, cfg JaegerConfig) (*sdktrace.TracerProvider, error) {
	if !tracing {
		otel.SetTracerProvider(oteltrace.NewNoopTracerProvider())
		return nil, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:14268/api/traces"
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(endpoint),
		jaeger.WithUsername(cfg.User),
		jaeger.WithPassword(cfg.Password),
	))
	if err != nil {
		return nil, err
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(name),
			attribute.String("exporter", "jaeger"),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider, nil
}

// Stop flushes and shuts the tracer provider down.
func Stop(ctx context.Context) {
	if !tracing || provider == nil {
		return
	}
	provider.ForceFlush(ctx)
	provider.Shutdown(ctx)
}

// Span starts a span named name as a child of parent, attaching tags. It
// mirrors katatrace.Trace: a nil parent is a caller bug, logged rather than
// panicked on.
func Span(parent context.Context, name string, tags map[string]string) (oteltrace.Span, context.Context) {
	if parent == nil {
		traceLogger.WithField("name", name).Error("icetrace: Span called with nil context")
		parent = context.Background()
	}

	var attrs []attribute.KeyValue
	if tracing {
		for k, v := range tags {
			attrs = append(attrs, attribute.Key(k).String(v))
		}
	}

	tracer := otel.Tracer("icebox")
	return tracer.Start(parent, name, oteltrace.WithAttributes(attrs...))
}

// AddAttr attaches an additional, possibly non-string, attribute to span.
func AddAttr(span oteltrace.Span, key string, value interface{}) {
	if !tracing {
		return
	}
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case uint64:
		span.SetAttributes(attribute.Int64(key, int64(v)))
	default:
		content, err := json.Marshal(v)
		if err == nil {
			span.SetAttributes(attribute.String(key, string(content)))
		}
	}
}
