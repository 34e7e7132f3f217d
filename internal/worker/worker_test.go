package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/ipc"
)

func TestWorkerRunSendsReadyThenHandlesExecuteTaskAndShutdown(t *testing.T) {
	execPayload, err := ipc.EncodeCoordinatorMessage(ipc.ExecuteTask{
		ExecutionID: "exec-1",
		TaskID:      "task-1",
		TaskVersion: "1.0.0",
		TaskSource:  `function main(input, context) { return { sum: input.a + input.b }; }`,
		Input:       json.RawMessage(`{"a": 2, "b": 3}`),
		Context:     ipc.ExecutionContext{ExecutionID: "exec-1", TaskID: "task-1", TaskVersion: "1.0.0"},
	})
	require.NoError(t, err)
	execID := "corr-1"
	execEnv := ipc.NewEnvelope(execPayload, nil)
	execEnv.ID = execID

	shutdownPayload, err := ipc.EncodeCoordinatorMessage(ipc.Shutdown{})
	require.NoError(t, err)
	shutdownEnv := ipc.NewEnvelope(shutdownPayload, nil)

	var input bytes.Buffer
	writeEnvelopeLine(t, &input, execEnv)
	writeEnvelopeLine(t, &input, shutdownEnv)

	var output bytes.Buffer
	transport := ipc.NewTransport(&input, &output)
	w := New(transport, "test-worker")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = w.Run(ctx)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(output.String(), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2)

	var readyEnv ipc.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &readyEnv))
	readyMsg, err := ipc.DecodeWorkerMessage(readyEnv.Payload)
	require.NoError(t, err)
	require.Equal(t, ipc.Ready{}, readyMsg)

	var resultEnv ipc.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resultEnv))
	require.NotNil(t, resultEnv.CorrelationID)
	require.Equal(t, execID, *resultEnv.CorrelationID)

	resultMsg, err := ipc.DecodeWorkerMessage(resultEnv.Payload)
	require.NoError(t, err)
	taskResult, ok := resultMsg.(ipc.TaskResult)
	require.True(t, ok)
	require.True(t, taskResult.Success)
	require.JSONEq(t, `{"sum": 5}`, string(taskResult.Output))
}

func TestWorkerRunReportsThrownTypedError(t *testing.T) {
	execPayload, err := ipc.EncodeCoordinatorMessage(ipc.ExecuteTask{
		ExecutionID: "exec-2",
		TaskID:      "task-2",
		TaskVersion: "1.0.0",
		TaskSource:  `function main(input, context) { throw new ValidationError("bad input"); }`,
		Input:       json.RawMessage(`{}`),
		Context:     ipc.ExecutionContext{ExecutionID: "exec-2", TaskID: "task-2", TaskVersion: "1.0.0"},
	})
	require.NoError(t, err)
	execEnv := ipc.NewEnvelope(execPayload, nil)

	shutdownPayload, err := ipc.EncodeCoordinatorMessage(ipc.Shutdown{})
	require.NoError(t, err)
	shutdownEnv := ipc.NewEnvelope(shutdownPayload, nil)

	var input bytes.Buffer
	writeEnvelopeLine(t, &input, execEnv)
	writeEnvelopeLine(t, &input, shutdownEnv)

	var output bytes.Buffer
	transport := ipc.NewTransport(&input, &output)
	w := New(transport, "test-worker")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	lines := strings.Split(strings.TrimRight(output.String(), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2)

	var resultEnv ipc.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resultEnv))
	resultMsg, err := ipc.DecodeWorkerMessage(resultEnv.Payload)
	require.NoError(t, err)
	taskResult, ok := resultMsg.(ipc.TaskResult)
	require.True(t, ok)
	require.False(t, taskResult.Success)
	require.Equal(t, "ValidationError", taskResult.ErrorKind)
	require.Contains(t, taskResult.Error, "bad input")
}

func writeEnvelopeLine(t *testing.T, buf *bytes.Buffer, env ipc.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	buf.Write(body)
	buf.WriteByte('\n')
}
