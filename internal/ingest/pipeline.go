// Package ingest turns raw telemetry messages into stored, registry-enriched readings.
//
// Every message is handled as one independent task: parse, resolve the sensor, write.
// Routine negatives (malformed payloads, unknown sensors) come back as Outcome values;
// only storage failures are reported as errors.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aquasensor/go-ingest-server/internal/model"
	"aquasensor/go-ingest-server/internal/telemetry"
)

// OutcomeKind classifies how a message ended.
type OutcomeKind int

const (
	OutcomeStored OutcomeKind = iota
	OutcomeMalformed
	OutcomeUnknownSensor
	OutcomeStorageFailed
)

// String returns the label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStored:
		return "stored"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeUnknownSensor:
		return "unknown_sensor"
	case OutcomeStorageFailed:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Message is a raw publish received from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Outcome is the result of processing one message.
type Outcome struct {
	Kind      OutcomeKind
	Sensor    string
	ReadingID int64
	Reason    error
	// Latency runs from broker receipt to the end of processing. Zero when the message
	// carries no receipt time.
	Latency time.Duration
}

// Recorder receives one call per processed message.
type Recorder interface {
	RecordOutcome(outcome string)
}

// Pipeline chains parser, resolver and writer.
type Pipeline struct {
	resolver *Resolver
	writer   *Writer
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline wires a pipeline. recorder may be nil.
func NewPipeline(resolver *Resolver, writer *Writer, recorder Recorder, logger *slog.Logger) *Pipeline {
	return &Pipeline{resolver: resolver, writer: writer, recorder: recorder, logger: logger, now: time.Now}
}

// Process runs one message through parse, resolve and write and logs the outcome at
// the severity its kind warrants.
func (p *Pipeline) Process(ctx context.Context, msg Message) Outcome {
	out := p.process(ctx, msg)
	if !msg.ReceivedAt.IsZero() {
		out.Latency = p.now().Sub(msg.ReceivedAt)
	}

	switch out.Kind {
	case OutcomeStored:
		p.logger.Debug("reading stored", "topic", msg.Topic, "sensor", out.Sensor, "id", out.ReadingID, "latency", out.Latency)
	case OutcomeMalformed:
		p.logger.Warn("malformed message dropped", "topic", msg.Topic, "payload", truncateString(string(msg.Payload), 256), "error", out.Reason)
	case OutcomeUnknownSensor:
		p.logger.Debug("sensor not registered or not active, skipping", "topic", msg.Topic, "sensor", out.Sensor)
	case OutcomeStorageFailed:
		p.logger.Error("failed to persist reading", "topic", msg.Topic, "sensor", out.Sensor, "error", out.Reason)
	}

	if p.recorder != nil {
		p.recorder.RecordOutcome(out.Kind.String())
	}
	return out
}

// Handle adapts Process to a worker pool processor. Only storage failures are errors.
func (p *Pipeline) Handle(ctx context.Context, msg Message) error {
	out := p.Process(ctx, msg)
	if out.Kind == OutcomeStorageFailed {
		return out.Reason
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, msg Message) Outcome {
	candidate, err := telemetry.Parse(msg.Payload)
	if err != nil {
		return Outcome{Kind: OutcomeMalformed, Reason: err}
	}

	rec, found, err := p.resolver.Resolve(ctx, candidate.SensorName)
	if err != nil {
		return Outcome{Kind: OutcomeStorageFailed, Sensor: candidate.SensorName, Reason: fmt.Errorf("%w: %w", ErrStorage, err)}
	}
	if !found {
		return Outcome{
			Kind:   OutcomeUnknownSensor,
			Sensor: candidate.SensorName,
			Reason: fmt.Errorf("%w: %s", ErrUnknownOrInactiveSensor, candidate.SensorName),
		}
	}

	id, err := p.writer.Write(ctx, model.Enrich(candidate, rec))
	if err != nil {
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return Outcome{Kind: OutcomeStorageFailed, Sensor: candidate.SensorName, Reason: err}
	}

	return Outcome{Kind: OutcomeStored, Sensor: candidate.SensorName, ReadingID: id}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
