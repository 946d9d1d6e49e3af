package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind discriminates wire frames. The field is literal and
// case-sensitive; anything else is an unknown kind.
type FrameKind string

const (
	// Outbound.
	KindRegister         FrameKind = "register"
	KindHeartbeat        FrameKind = "heartbeat"
	KindExtractionResult FrameKind = "extractionResult"

	// Inbound.
	KindExtractionRequest FrameKind = "extractionRequest"
	KindRegistrationAck   FrameKind = "registrationAck"
	KindHeartbeatAck      FrameKind = "heartbeatAck"
	KindServerError       FrameKind = "serverError"
)

// CorrelationID links an extraction request to its single response. The
// server is known to emit both string and numeric ids, so decoding accepts
// either and normalizes to a string.
type CorrelationID string

func (c CorrelationID) String() string { return string(c) }

func (c *CorrelationID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = CorrelationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*c = CorrelationID(n.String())
		return nil
	}
	return fmt.Errorf("correlationId: expected string or number, got %s", data)
}

// Frame is the single wire envelope. All message kinds share it; a field
// is populated only when its kind uses it.
type Frame struct {
	Kind          FrameKind       `json:"kind"`
	ID            string          `json:"id,omitempty"`
	CorrelationID CorrelationID   `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	CapturedAt    int64           `json:"capturedAt,omitempty"`
}

// NowMillis returns the current time as unix milliseconds, the wire
// timestamp representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// RegisterFrame builds the registration handshake frame announcing this
// client to the server.
func RegisterFrame(clientID string) Frame {
	return Frame{
		Kind:      KindRegister,
		ID:        clientID,
		Timestamp: NowMillis(),
	}
}

// HeartbeatFrame builds a liveness frame.
func HeartbeatFrame(clientID string) Frame {
	return Frame{
		Kind:      KindHeartbeat,
		ID:        clientID,
		Timestamp: NowMillis(),
	}
}

// ResultFrame builds the extraction response for a correlation id. On
// failure the frame carries a human-readable error and no data; either way
// it always carries the correlation id of the request it answers.
func ResultFrame(id CorrelationID, data json.RawMessage, err error) Frame {
	f := Frame{
		Kind:          KindExtractionResult,
		CorrelationID: id,
		CapturedAt:    NowMillis(),
	}
	ok := err == nil
	f.Success = &ok
	if err != nil {
		f.Error = err.Error()
		return f
	}
	f.Data = data
	return f
}

// ParseFrame decodes raw bytes into a Frame. It is strict about the
// envelope: the bytes must be a JSON object with a non-empty kind.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, NewDomainError("Frame.Parse", ErrParse, err.Error())
	}
	if f.Kind == "" {
		return Frame{}, NewDomainError("Frame.Parse", ErrParse, "missing kind")
	}
	return f, nil
}
