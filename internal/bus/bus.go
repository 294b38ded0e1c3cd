// Package bus wraps a NATS/JetStream connection for the bridge's internal
// trigger queues (multispend withdrawal/completion, SP-transfer submitter
// wakeups) and, when FEDI_BRIDGE_REMOTE is set, the out-of-process Event
// Sink transport.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectSinkEvent             = "fedi.sink.event"
	SubjectMultispendWithdrawal  = "fedi.multispend.withdrawal"
	SubjectMultispendCompletion  = "fedi.multispend.completion"
	SubjectSPTransferSubmit      = "fedi.sptransfer.submit"
	SubjectSPTransferComplete    = "fedi.sptransfer.complete"
	SubjectSPTransferAnnounce    = "fedi.sptransfer.announce"

	streamName = "FEDI_BRIDGE_TRIGGERS"
)

// maxRedeliver bounds how many times JetStream redelivers a trigger message
// before it's dropped — trigger queues are wakeups, not logs, so a dropped
// message just means the next periodic rescan catches it instead.
const maxRedeliver = 50

// Bus is a NATS connection plus JetStream context.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// Envelope is the generic wire format for every subject on this bus.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Connect dials natsURL and ensures the trigger-queue stream exists.
func Connect(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("fedi-bridge"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if err != nil {
				logger.Error("nats error", slog.String("error", err.Error()))
			}
		}),
	}
	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", natsURL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	b := &Bus{conn: nc, js: js, logger: logger}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name: streamName,
		Subjects: []string{
			SubjectSinkEvent,
			SubjectMultispendWithdrawal,
			SubjectMultispendCompletion,
			SubjectSPTransferSubmit,
			SubjectSPTransferComplete,
			SubjectSPTransferAnnounce,
		},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
	if _, err := b.js.StreamInfo(streamName); err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", streamName, err)
		}
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", streamName, err)
		}
	}
	return nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	_ = b.conn.Drain()
}

// Publish marshals data and publishes it on subject. Used both to wake a
// trigger-queue consumer and, for SubjectSinkEvent, to forward an Event Sink
// call to a remote UI process.
func (b *Bus) Publish(subject, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	body, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if _, err := b.js.Publish(subject, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Handler processes one trigger-queue message. Returning an error causes a
// NAK-with-delay redelivery; returning nil acks.
type Handler func(ctx context.Context, env Envelope) error

// Consume starts a durable queue-group consumer on subject with manual
// acks, NAK-with-delay backoff, and bounded redelivery.
func (b *Bus) Consume(ctx context.Context, subject, durable string, handle Handler) error {
	_, err := b.js.QueueSubscribe(subject, durable, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("malformed trigger message", slog.String("subject", subject), slog.String("error", err.Error()))
			msg.Ack()
			return
		}
		if err := handle(ctx, env); err != nil {
			attempt := 0
			if md, mdErr := msg.Metadata(); mdErr == nil {
				attempt = int(md.NumDelivered)
			}
			b.logger.Warn("trigger handler failed, retrying",
				slog.String("subject", subject), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			msg.NakWithDelay(retryDelay(attempt))
			return
		}
		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(30*time.Second), nats.MaxDeliver(maxRedeliver))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return nil
}

func retryDelay(attempt int) time.Duration {
	delays := []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	if attempt < len(delays) {
		return delays[attempt]
	}
	return delays[len(delays)-1]
}

// Sink adapts Bus to eventsink.Sink for the out-of-process transport.
type Sink struct {
	bus *Bus
}

// NewSink wraps bus as an eventsink.Sink.
func NewSink(bus *Bus) *Sink { return &Sink{bus: bus} }

// Event publishes the event onto SubjectSinkEvent for a remote UI process to
// consume. Errors are logged rather than returned — the Sink interface is
// fire-and-forget.
func (s *Sink) Event(eventType string, body any) {
	if err := s.bus.Publish(SubjectSinkEvent, eventType, body); err != nil {
		s.bus.logger.Error("failed to publish sink event", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
