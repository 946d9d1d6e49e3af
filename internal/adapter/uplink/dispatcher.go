package uplink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tabrelay/internal/domain"
)

// Dispatcher classifies raw inbound frames and republishes them as typed
// bus events. Classification is strict: a frame either maps to a known
// kind or it is logged and dropped. A bad frame never takes down the read
// loop.
type Dispatcher struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher publishing onto bus.
func NewDispatcher(bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, logger: logger}
}

// ServerNotice is the payload of the server.error event.
type ServerNotice struct {
	Message string `json:"message"`
}

// Dispatch decodes one raw frame and publishes the matching event.
// Malformed input and unknown kinds are consumed here; nothing propagates
// back to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	frame, err := domain.ParseFrame(raw)
	if err != nil {
		d.logger.Warn("dropping malformed frame", "error", err, "bytes", len(raw))
		return
	}

	switch frame.Kind {
	case domain.KindExtractionRequest:
		d.publishExtractionRequest(ctx, frame)
	case domain.KindRegistrationAck:
		d.publish(ctx, domain.EventUplinkRegistered, nil)
	case domain.KindHeartbeatAck:
		d.publish(ctx, domain.EventHeartbeatAcked, nil)
	case domain.KindServerError:
		d.logger.Warn("server reported error", "message", frame.Message)
		d.publish(ctx, domain.EventServerError, ServerNotice{Message: frame.Message})
	default:
		d.logger.Debug("ignoring frame with unknown kind", "kind", string(frame.Kind))
	}
}

func (d *Dispatcher) publishExtractionRequest(ctx context.Context, frame domain.Frame) {
	id := frame.CorrelationID
	if id == "" {
		// The server should always correlate requests; synthesize an id so
		// the response path stays uniform, but make the anomaly visible.
		id = domain.CorrelationID(domain.NewID())
		d.logger.Warn("extraction request without correlation id, synthesized one",
			"correlation_id", id.String())
	}
	d.publish(ctx, domain.EventExtractionRequested, domain.ExtractionRequested{
		CorrelationID: id,
		Payload:       frame.Payload,
		ReceivedAt:    time.Now(),
	})
}

func (d *Dispatcher) publish(ctx context.Context, kind domain.EventType, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			d.logger.Error("event payload marshal failed", "event", string(kind), "error", err)
			return
		}
		data = b
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      kind,
		Timestamp: time.Now(),
		Payload:   data,
	})
}
