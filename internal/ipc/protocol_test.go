package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCoordinatorMessageRoundTrip(t *testing.T) {
	msgs := []CoordinatorMessage{
		Ping{},
		Shutdown{},
		ValidateTask{TaskSource: "file:///tasks/sum"},
		ExecuteTask{
			ExecutionID: "exec-1",
			TaskID:      "task-1",
			TaskVersion: "1.0.0",
			TaskSource:  "file:///tasks/sum",
			Input:       json.RawMessage(`{"a":1,"b":2}`),
			Context: ExecutionContext{
				ExecutionID: "exec-1",
				TaskID:      "task-1",
				TaskVersion: "1.0.0",
			},
		},
	}

	for _, msg := range msgs {
		payload, err := EncodeCoordinatorMessage(msg)
		require.NoError(t, err)

		decoded, err := DecodeCoordinatorMessage(payload)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestEncodeDecodeWorkerMessageRoundTrip(t *testing.T) {
	msgs := []WorkerMessage{
		Pong{},
		Ready{},
		Heartbeat{},
		Log{Level: "info", Message: "starting up"},
		WorkerError{Kind: "IpcProtocolError", Message: "frame too large"},
		TaskResult{
			ExecutionID:  "exec-1",
			Success:      true,
			Output:       json.RawMessage(`{"sum":3}`),
			DurationMS:   12,
			HTTPRequests: 0,
		},
	}

	for _, msg := range msgs {
		payload, err := EncodeWorkerMessage(msg)
		require.NoError(t, err)

		decoded, err := DecodeWorkerMessage(payload)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestIsUnsolicited(t *testing.T) {
	require.True(t, IsUnsolicited(Ready{}))
	require.True(t, IsUnsolicited(Heartbeat{}))
	require.True(t, IsUnsolicited(Log{}))
	require.True(t, IsUnsolicited(WorkerError{}))
	require.False(t, IsUnsolicited(Pong{}))
	require.False(t, IsUnsolicited(TaskResult{}))
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := EncodeWorkerMessage(Ready{})
	require.NoError(t, err)

	corr := "req-123"
	env := NewEnvelope(payload, &corr)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(body, &decoded))

	require.Equal(t, env.ID, decoded.ID)
	require.Equal(t, *env.CorrelationID, *decoded.CorrelationID)
	require.Equal(t, ProtocolVersion, decoded.ProtocolVersion)

	msg, err := DecodeWorkerMessage(decoded.Payload)
	require.NoError(t, err)
	require.Equal(t, Ready{}, msg)
}
