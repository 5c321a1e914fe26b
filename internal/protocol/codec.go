package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedFrame is returned for input that is not a well-formed frame:
// invalid JSON, missing common fields, or an unknown type. Callers treat it
// as a non-fatal protocol error and answer with an ERROR frame.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// NewTraceID returns a fresh trace id for an outgoing frame.
func NewTraceID() string {
	return uuid.NewString()
}

// Encode builds a frame of the given type around payload and marshals it.
// The traceId is generated when empty so responders can pass through the id
// they are echoing.
func Encode(t FrameType, traceID string, payload any) ([]byte, error) {
	if traceID == "" {
		traceID = NewTraceID()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", t, err)
	}

	frame := Frame{
		Type:      t,
		TraceID:   traceID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", t, err)
	}
	return data, nil
}

// Decode parses a wire message into a Frame. It fails with ErrMalformedFrame
// when the input is not valid JSON, when any common field is missing, or
// when the type is not one of the recognized frame types.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case f.Type == "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	case f.TraceID == "":
		return nil, fmt.Errorf("%w: missing traceId", ErrMalformedFrame)
	case f.Timestamp == 0:
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedFrame)
	}

	if _, ok := knownTypes[f.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}

	return &f, nil
}

// Payload decodes a frame's payload into the concrete type for its frame
// type. A nil or empty payload decodes to the zero value.
func Payload[T any](f *Frame) (*T, error) {
	var p T
	if len(f.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return &p, nil
}
