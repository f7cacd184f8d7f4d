package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/eventbus"
	"github.com/gidigo/ride-coordinator/pkg/httpclient"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// Dispatcher reports driver and passenger decisions to the dispatch side.
type Dispatcher interface {
	AcceptRequest(ctx context.Context, driverID string, req RideRequest) error
	DeclineRequest(ctx context.Context, driverID string, req RideRequest) error
	CancelRide(ctx context.Context, userID string, by ride.Role, r *ride.Ride, reason string) error
	CompleteRide(ctx context.Context, driverID string, r *ride.Ride) error
}

const dispatchSource = "ride-coordinator"

// decision is one dispatch notification: its subject, partition key and body.
type decision struct {
	subject string
	key     string
	data    interface{}
}

func acceptedEvent(driverID string, req RideRequest, now time.Time) decision {
	return decision{eventbus.SubjectRequestAccepted, req.ID, eventbus.RequestAcceptedData{
		RideID:     req.ID,
		DriverID:   driverID,
		AcceptedAt: now,
	}}
}

func declinedEvent(driverID string, req RideRequest, now time.Time) decision {
	return decision{eventbus.SubjectRequestDeclined, req.ID, eventbus.RequestDeclinedData{
		RideID:     req.ID,
		DriverID:   driverID,
		DeclinedAt: now,
	}}
}

func cancelledEvent(userID string, by ride.Role, r *ride.Ride, reason string, now time.Time) decision {
	return decision{eventbus.SubjectRideCancelled, r.ID, eventbus.RideCancelledData{
		RideID:      r.ID,
		UserID:      userID,
		CancelledBy: string(by),
		Reason:      reason,
		CancelledAt: now,
	}}
}

func completedEvent(driverID string, r *ride.Ride, now time.Time) decision {
	data := eventbus.RideCompletedData{
		RideID:      r.ID,
		DriverID:    driverID,
		PickupName:  r.Pickup.Name,
		DropoffName: r.Dropoff.Name,
		FareAmount:  r.Fare.Price,
		DistanceKm:  r.Fare.Distance,
		Duration:    r.Fare.Duration,
		CompletedAt: now,
	}
	if r.Passenger != nil {
		data.PassengerName = r.Passenger.Name
	}
	return decision{eventbus.SubjectRideCompleted, r.ID, data}
}

// ---------------------------------------------------------------------------
// NATS JetStream
// ---------------------------------------------------------------------------

// EventPublisher is the part of eventbus.Bus the dispatcher needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// EventBusDispatcher publishes decisions on the JetStream dispatch stream.
type EventBusDispatcher struct {
	bus   EventPublisher
	retry resilience.RetryConfig
	now   func() time.Time
}

// NewEventBusDispatcher creates a dispatcher over bus.
func NewEventBusDispatcher(bus EventPublisher, retry resilience.RetryConfig) *EventBusDispatcher {
	return &EventBusDispatcher{bus: bus, retry: retry, now: func() time.Time { return time.Now().UTC() }}
}

func (d *EventBusDispatcher) AcceptRequest(ctx context.Context, driverID string, req RideRequest) error {
	return d.send(ctx, acceptedEvent(driverID, req, d.now()))
}

func (d *EventBusDispatcher) DeclineRequest(ctx context.Context, driverID string, req RideRequest) error {
	return d.send(ctx, declinedEvent(driverID, req, d.now()))
}

func (d *EventBusDispatcher) CancelRide(ctx context.Context, userID string, by ride.Role, r *ride.Ride, reason string) error {
	return d.send(ctx, cancelledEvent(userID, by, r, reason, d.now()))
}

func (d *EventBusDispatcher) CompleteRide(ctx context.Context, driverID string, r *ride.Ride) error {
	return d.send(ctx, completedEvent(driverID, r, d.now()))
}

func (d *EventBusDispatcher) send(ctx context.Context, m decision) error {
	event, err := eventbus.NewEvent(m.subject, dispatchSource, m.data)
	if err != nil {
		return err
	}
	// the event id is reused across attempts so JetStream dedups retries
	_, err = resilience.Retry(ctx, d.retry, "dispatch."+m.subject, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.bus.Publish(ctx, m.subject, event)
	})
	return err
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

// MessageWriter is the part of kafka.Writer the dispatcher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for the dispatch topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaDispatcher writes decisions to a Kafka topic keyed by ride id, so
// every event of a ride lands on the same partition in order.
type KafkaDispatcher struct {
	writer MessageWriter
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewKafkaDispatcher creates a dispatcher over writer.
func NewKafkaDispatcher(writer MessageWriter, retry resilience.RetryConfig) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, retry: retry, now: func() time.Time { return time.Now().UTC() }}
}

func (d *KafkaDispatcher) AcceptRequest(ctx context.Context, driverID string, req RideRequest) error {
	return d.send(ctx, acceptedEvent(driverID, req, d.now()))
}

func (d *KafkaDispatcher) DeclineRequest(ctx context.Context, driverID string, req RideRequest) error {
	return d.send(ctx, declinedEvent(driverID, req, d.now()))
}

func (d *KafkaDispatcher) CancelRide(ctx context.Context, userID string, by ride.Role, r *ride.Ride, reason string) error {
	return d.send(ctx, cancelledEvent(userID, by, r, reason, d.now()))
}

func (d *KafkaDispatcher) CompleteRide(ctx context.Context, driverID string, r *ride.Ride) error {
	return d.send(ctx, completedEvent(driverID, r, d.now()))
}

// Close flushes and closes the writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

func (d *KafkaDispatcher) send(ctx context.Context, m decision) error {
	event, err := eventbus.NewEvent(m.subject, dispatchSource, m.data)
	if err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.subject, err)
	}

	msg := kafka.Message{
		Key:   []byte(m.key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(m.subject)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	_, err = resilience.Retry(ctx, d.retry, "dispatch.kafka."+m.subject, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.writer.WriteMessages(ctx, msg)
	})
	return err
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// HTTPDispatcher calls the dispatch REST API with the session's credentials.
// Retry, circuit breaking and token refresh live in the client.
type HTTPDispatcher struct {
	client *httpclient.Client
	now    func() time.Time
}

// NewHTTPDispatcher creates a dispatcher over client.
func NewHTTPDispatcher(client *httpclient.Client) *HTTPDispatcher {
	return &HTTPDispatcher{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (d *HTTPDispatcher) AcceptRequest(ctx context.Context, driverID string, req RideRequest) error {
	m := acceptedEvent(driverID, req, d.now())
	return d.post(ctx, "/api/v1/dispatch/requests/"+req.ID+"/accept", req.ID+":accept:"+driverID, m.data)
}

func (d *HTTPDispatcher) DeclineRequest(ctx context.Context, driverID string, req RideRequest) error {
	m := declinedEvent(driverID, req, d.now())
	return d.post(ctx, "/api/v1/dispatch/requests/"+req.ID+"/decline", req.ID+":decline:"+driverID, m.data)
}

func (d *HTTPDispatcher) CancelRide(ctx context.Context, userID string, by ride.Role, r *ride.Ride, reason string) error {
	m := cancelledEvent(userID, by, r, reason, d.now())
	return d.post(ctx, "/api/v1/dispatch/rides/"+r.ID+"/cancel", r.ID+":cancel", m.data)
}

func (d *HTTPDispatcher) CompleteRide(ctx context.Context, driverID string, r *ride.Ride) error {
	m := completedEvent(driverID, r, d.now())
	return d.post(ctx, "/api/v1/dispatch/rides/"+r.ID+"/complete", r.ID+":complete", m.data)
}

func (d *HTTPDispatcher) post(ctx context.Context, path, idempotencyKey string, body interface{}) error {
	if _, err := d.client.PostWithIdempotency(ctx, path, body, nil, idempotencyKey); err != nil {
		return fmt.Errorf("dispatch %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Local
// ---------------------------------------------------------------------------

// NopDispatcher accepts every decision. Used when no dispatch backend is
// configured.
type NopDispatcher struct{}

func (NopDispatcher) AcceptRequest(context.Context, string, RideRequest) error                { return nil }
func (NopDispatcher) DeclineRequest(context.Context, string, RideRequest) error               { return nil }
func (NopDispatcher) CancelRide(context.Context, string, ride.Role, *ride.Ride, string) error { return nil }
func (NopDispatcher) CompleteRide(context.Context, string, *ride.Ride) error                  { return nil }
