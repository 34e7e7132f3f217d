package workerpool

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michiel/ratchet-sub009/internal/ipc"
)

// TestMain re-execs this test binary as a fake worker subprocess when
// RATCHET_TEST_FAKE_WORKER is set — the standard Go idiom for exercising
// exec.Cmd-based supervision code (see os/exec's own tests) without
// shipping a separate built binary for the test to spawn.
func TestMain(m *testing.M) {
	if os.Getenv("RATCHET_TEST_FAKE_WORKER") == "1" {
		runFakeWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	transport := ipc.NewTransport(os.Stdin, os.Stdout)
	send := func(msg ipc.WorkerMessage, corr *string) {
		payload, _ := ipc.EncodeWorkerMessage(msg)
		_ = transport.Send(ipc.NewEnvelope(payload, corr))
	}
	send(ipc.Ready{}, nil)
	for {
		env, err := transport.Recv()
		if err != nil {
			return
		}
		msg, err := ipc.DecodeCoordinatorMessage(env.Payload)
		if err != nil {
			continue
		}
		switch msg.(type) {
		case ipc.Ping:
			send(ipc.Pong{}, &env.ID)
		case ipc.Shutdown:
			return
		}
	}
}

func fakeWorkerBinary(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return self
}

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := New(Config{
		Size:              size,
		BinaryPath:        fakeWorkerBinary(t),
		RestartBackoffCap: 200 * time.Millisecond,
	})
	p.spawnCmd = func(ctx context.Context, binaryPath string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, binaryPath, "-test.run=^$")
		cmd.Env = append(os.Environ(), "RATCHET_TEST_FAKE_WORKER=1")
		return cmd
	}
	return p
}

func TestPoolExecutePingPong(t *testing.T) {
	p := newTestPool(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	waitForIdleCount(t, p, 2)

	resp, err := p.Execute(ctx, ipc.Ping{})
	require.NoError(t, err)
	require.Equal(t, ipc.Pong{}, resp)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
}

func TestPoolAcquireBlocksWhenAllBusy(t *testing.T) {
	p := newTestPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	waitForIdleCount(t, p, 1)

	w, err := p.acquire(ctx)
	require.NoError(t, err)

	acquireCtx, acquireCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer acquireCancel()
	_, err = p.acquire(acquireCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.markIdle(w)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
}

func waitForIdleCount(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		idle := len(p.idle)
		p.mu.Unlock()
		if idle >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d idle workers", n)
}
