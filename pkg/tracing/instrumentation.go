package tracing

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Database span attributes
const (
	DBSystemKey    = attribute.Key("db.system")
	DBStatementKey = attribute.Key("db.statement")
	DBOperationKey = attribute.Key("db.operation")
)

// Redis span attributes
const (
	RedisCommandKey = attribute.Key("redis.command")
	RedisKeyKey     = attribute.Key("redis.key")
)

// Messaging span attributes
const (
	MessagingSystemKey      = attribute.Key("messaging.system")
	MessagingDestinationKey = attribute.Key("messaging.destination")
	MessagingEventKey       = attribute.Key("messaging.event")
)

// Ride attributes
const (
	SessionIDKey = attribute.Key("session.id")
	UserIDKey    = attribute.Key("user.id")
	RideIDKey    = attribute.Key("ride.id")
	DriverIDKey  = attribute.Key("driver.id")
)

// TraceDBQuery wraps a database query with tracing
func TraceDBQuery(ctx context.Context, tracerName, operation, query string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		DBSystemKey.String("postgresql"),
		DBOperationKey.String(operation),
		DBStatementKey.String(query),
	)

	err := fn(ctx)
	finish(span, err)
	return err
}

// TraceRedisCommand wraps a Redis command with tracing. redis.Nil is a miss,
// not a failure.
func TraceRedisCommand(ctx context.Context, tracerName, command, key string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("redis.%s", command),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		DBSystemKey.String("redis"),
		RedisCommandKey.String(command),
		RedisKeyKey.String(key),
	)

	err := fn(ctx)
	if errors.Is(err, redis.Nil) {
		finish(span, nil)
	} else {
		finish(span, err)
	}
	return err
}

// TracePublish wraps a publish on a broker destination with a producer span.
func TracePublish(ctx context.Context, tracerName, system, destination, event string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("%s publish", destination),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		MessagingSystemKey.String(system),
		MessagingDestinationKey.String(destination),
		MessagingEventKey.String(event),
	)

	err := fn(ctx)
	finish(span, err)
	return err
}

// RideAttributes builds the attributes identifying a ride and its parties.
func RideAttributes(rideID, userID, driverID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if rideID != "" {
		attrs = append(attrs, RideIDKey.String(rideID))
	}
	if userID != "" {
		attrs = append(attrs, UserIDKey.String(userID))
	}
	if driverID != "" {
		attrs = append(attrs, DriverIDKey.String(driverID))
	}
	return attrs
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
