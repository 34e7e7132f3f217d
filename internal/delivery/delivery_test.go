package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/httpclient"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })
	return st
}

func seedTaskExecutionJob(t *testing.T, st *store.Store, output json.RawMessage, destinations []byte) (*model.Job, *model.Execution) {
	t.Helper()
	task := &model.Task{Name: "echo", Version: "1.0.0", SourceRef: "file:///echo", Enabled: true}
	require.NoError(t, st.Tasks.Create(task))

	job := &model.Job{TaskID: task.ID, Input: json.RawMessage(`{}`), Priority: model.PriorityNormal, MaxRetries: 0, OutputDestinations: destinations}
	require.NoError(t, st.Jobs.Create(job))

	exec := &model.Execution{TaskID: task.ID, JobID: &job.ID, Status: model.ExecutionCompleted, Output: output}
	require.NoError(t, st.Executions.Create(exec))

	return job, exec
}

func newLocalSaferClient() *httpclient.SaferClient {
	blockPrivate := false
	return httpclient.NewSaferClientWithOptions(5*time.Second, httpclient.SaferClientOptions{BlockPrivateIP: &blockPrivate})
}

func TestDeliverFilesystemWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t)

	dest := Destination{Type: KindFilesystem, PathTemplate: filepath.Join(dir, "{task_name}-{execution_id}.json"), Format: FormatJSON}
	destJSON, err := json.Marshal([]Destination{dest})
	require.NoError(t, err)

	job, exec := seedTaskExecutionJob(t, st, json.RawMessage(`{"ok":true}`), destJSON)

	d := New(st.Deliveries, st.Tasks)
	d.Deliver(context.Background(), job, exec, destJSON)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "echo-")

	body, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(body), `"ok": true`)

	results, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "filesystem", results[0].DestinationType)
}

func TestDeliverStdioWritesToInjectedWriter(t *testing.T) {
	st := newTestStore(t)
	dest := Destination{Type: KindStdio, Stream: "stdout", Format: FormatJSON}
	destJSON, err := json.Marshal([]Destination{dest})
	require.NoError(t, err)

	job, exec := seedTaskExecutionJob(t, st, json.RawMessage(`{"n":1}`), destJSON)

	var buf bytes.Buffer
	d := New(st.Deliveries, st.Tasks)
	d.stdout = &buf

	d.Deliver(context.Background(), job, exec, destJSON)

	require.Contains(t, buf.String(), `"n": 1`)

	results, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
}

func TestDeliverWebhookSucceedsOnFirstAttempt(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = readAll(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	dest := Destination{
		Type:   KindWebhook,
		URL:    srv.URL,
		Method: http.MethodPost,
		Auth:   &WebhookAuth{Type: AuthBearer, Token: "secret-token"},
	}
	destJSON, err := json.Marshal([]Destination{dest})
	require.NoError(t, err)

	job, exec := seedTaskExecutionJob(t, st, json.RawMessage(`{"ok":true}`), destJSON)

	d := New(st.Deliveries, st.Tasks)
	d.client = newLocalSaferClient()

	d.Deliver(context.Background(), job, exec, destJSON)

	require.Equal(t, "Bearer secret-token", gotAuth)
	require.JSONEq(t, `{"ok":true}`, string(gotBody))

	results, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "webhook", results[0].DestinationType)
}

func TestDeliverWebhookRetriesOnServerErrorThenFails(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := newTestStore(t)
	dest := Destination{
		Type:        KindWebhook,
		URL:         srv.URL,
		RetryPolicy: &RetryPolicy{MaxAttempts: 2},
	}
	destJSON, err := json.Marshal([]Destination{dest})
	require.NoError(t, err)

	job, exec := seedTaskExecutionJob(t, st, json.RawMessage(`{}`), destJSON)

	d := New(st.Deliveries, st.Tasks)
	d.client = newLocalSaferClient()

	d.Deliver(context.Background(), job, exec, destJSON)

	require.Equal(t, 2, attempts)

	results, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.NotEmpty(t, results[0].ErrorMessage)
}

func TestDeliverIndependentDestinationsBothRecorded(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t)

	destFS := Destination{Type: KindFilesystem, PathTemplate: filepath.Join(dir, "out.json"), Format: FormatJSON}
	destStdio := Destination{Type: KindStdio, Stream: "stdout", Format: FormatJSON}
	destJSON, err := json.Marshal([]Destination{destFS, destStdio})
	require.NoError(t, err)

	job, exec := seedTaskExecutionJob(t, st, json.RawMessage(`{"a":1}`), destJSON)

	var buf bytes.Buffer
	d := New(st.Deliveries, st.Tasks)
	d.stdout = &buf

	d.Deliver(context.Background(), job, exec, destJSON)

	results, err := st.Deliveries.ListByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
