package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	auth := AuthPayload{
		NodeID:       "node-1",
		Capabilities: []string{"python-3.11", "tool:webSearch"},
		AgentTypes:   []string{"travel-planner"},
		Wallet:       "0xAbC",
		Specs: NodeSpecs{
			OS:             "linux",
			Arch:           "amd64",
			CPUCores:       8,
			TotalMemoryGB:  15.6,
			RuntimeVersion: "go1.26",
		},
		Secret:  "s3cret",
		Version: "1.0.0",
	}

	data, err := Encode(FrameAuth, "", auth)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameAuth, frame.Type)
	assert.NotEmpty(t, frame.TraceID)
	assert.NotZero(t, frame.Timestamp)

	got, err := Payload[AuthPayload](frame)
	require.NoError(t, err)
	assert.Equal(t, auth, *got)
}

func TestEncodeEchoesTraceID(t *testing.T) {
	t.Parallel()

	data, err := Encode(FrameHeartbeatAck, "trace-123", HeartbeatAckPayload{Received: true})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "trace-123", frame.TraceID)
}

func TestDecodeJobResult(t *testing.T) {
	t.Parallel()

	result := JobResultPayload{
		JobID:  "job-1",
		RunID:  "run-1",
		Status: RunStatusError,
		Logs:   []string{"starting", "boom"},
		Error:  &JobError{Code: "EXEC_FAILED", Message: "exit status 1"},
		Metrics: RunMetrics{
			StartTime:  1000,
			EndTime:    1500,
			DurationMs: 500,
		},
		Memory: json.RawMessage(`{"visited":["tokyo"]}`),
	}

	data, err := Encode(FrameJobResult, "t-1", result)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)

	got, err := Payload[JobResultPayload](frame)
	require.NoError(t, err)
	assert.Equal(t, result, *got)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{{{`},
		{name: "missing type", data: `{"traceId":"t","timestamp":1}`},
		{name: "missing trace id", data: `{"type":"AUTH","timestamp":1}`},
		{name: "missing timestamp", data: `{"type":"AUTH","traceId":"t"}`},
		{name: "unknown type", data: `{"type":"BOGUS","traceId":"t","timestamp":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestPayloadTypeMismatch(t *testing.T) {
	t.Parallel()

	frame := &Frame{
		Type:      FrameHeartbeat,
		TraceID:   "t",
		Timestamp: 1,
		Payload:   json.RawMessage(`{"status":12}`),
	}

	_, err := Payload[HeartbeatPayload](frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
