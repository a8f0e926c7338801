package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// wireMessage is the JSON envelope published to JetStream. Payload is kept
// raw so the typed Payload variant can be reconstructed using Type once
// decoded, mirroring the teacher's typed-subject/typed-event pairing in
// workflow/subjects.go.
type wireMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NATSBus is a JetStream-backed Bus. Every destination agent gets its own
// durable stream subject (agentcompany.bus.<agentID>) so messages survive a
// restart, and Poll consumes via an ephemeral pull consumer scoped to that
// subject.
type NATSBus struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

const streamName = "AGENTCOMPANY_BUS"

// NewNATSBus creates (or reuses) the bus stream on js.
func NewNATSBus(ctx context.Context, js jetstream.JetStream) (*NATSBus, error) {
	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{"agentcompany.bus.>"},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("bus: create stream: %w", err)
		}
	}
	return &NATSBus{js: js, stream: stream}, nil
}

func subject(agentID string) string {
	return "agentcompany.bus." + agentID
}

// Send implements Bus.
func (b *NATSBus) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	fillDefaults(&msg)

	var raw json.RawMessage
	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("bus: marshal payload: %w", err)
		}
		raw = data
	}

	wire := wireMessage{ID: msg.ID, Type: msg.Type, From: msg.From, To: msg.To, Payload: raw, Timestamp: msg.Timestamp}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}

	if _, err := b.js.Publish(ctx, subject(msg.To), data); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Poll implements Bus. It creates an ephemeral ordered consumer on the
// destination subject and fetches whatever is immediately available,
// waiting up to timeout for the first message.
func (b *NATSBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]Message, error) {
	consumer, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject(agentID)},
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer: %w", err)
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	batch, err := consumer.Fetch(64, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, fmt.Errorf("bus: fetch: %w", err)
	}

	var out []Message
	for m := range batch.Messages() {
		var wire wireMessage
		if err := json.Unmarshal(m.Data(), &wire); err != nil {
			_ = m.Ack()
			continue
		}
		out = append(out, Message{
			ID: wire.ID, Type: wire.Type, From: wire.From, To: wire.To,
			Payload: rawPayload{raw: wire.Payload, kind: wire.Type}, Timestamp: wire.Timestamp,
		})
		_ = m.Ack()
	}
	if err := batch.Error(); err != nil && err != nats.ErrTimeout {
		return out, fmt.Errorf("bus: batch: %w", err)
	}
	return out, nil
}

// rawPayload defers payload decoding: callers that know the expected
// MessageType call Decode into the matching struct.
type rawPayload struct {
	raw  json.RawMessage
	kind MessageType
}

func (p rawPayload) Type() MessageType { return p.kind }

// Decode unmarshals the raw payload into v.
func (p rawPayload) Decode(v any) error {
	if len(p.raw) == 0 {
		return nil
	}
	return json.Unmarshal(p.raw, v)
}
