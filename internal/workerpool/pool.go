// Package workerpool supervises the pool of ratchet-worker subprocesses
// (§4.C): spawn, restart-on-crash backoff, and LIFO idle-worker
// assignment with an arrival-ordered waiting queue. A worker is treated as
// dead only when its subprocess exits or its transport fails: the time of
// its last unsolicited message is recorded during Execute, but no
// heartbeat timeout is enforced and Config.HeartbeatInterval is not read.
// Grounded on pulse/async/worker.go's WorkerPool (consecutive-error
// backoff, context-cancellation shutdown, pulseLogger-style structured
// logging) generalized from "poll a DB queue" to "supervise an OS
// process and its IPC transport".
package workerpool

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/ipc"
	"github.com/michiel/ratchet-sub009/internal/log"
)

// State is a worker's position in the §4.C lifecycle:
// Starting -> Idle -> Busy -> {Idle, Failed} -> Stopping -> Stopped.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config mirrors internal/config.WorkerPoolConfig; kept distinct so this
// package doesn't import the config package directly.
type Config struct {
	Size              int
	BinaryPath        string
	HeartbeatInterval time.Duration
	RestartBackoffCap time.Duration
}

const minRestartBackoff = 500 * time.Millisecond

// managedWorker is one supervised subprocess and its IPC transport.
type managedWorker struct {
	id        string
	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	transport *ipc.Transport
	lastSeen  time.Time
	restarts  int
}

// Pool owns a fixed-size set of supervised worker subprocesses.
type Pool struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*managedWorker
	idle    []*managedWorker // LIFO stack of idle workers
	waiters []chan *managedWorker

	// spawnCmd builds the exec.Cmd for a fresh subprocess. Overridable so
	// tests can exec a fake worker (see pool_test.go's TestMain re-exec
	// trick) instead of a real ratchet-worker binary.
	spawnCmd func(ctx context.Context, binaryPath string) *exec.Cmd
}

// New constructs a Pool; call Start to spawn workers.
func New(cfg Config) *Pool {
	if cfg.RestartBackoffCap <= 0 {
		cfg.RestartBackoffCap = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 45 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		workers: make(map[string]*managedWorker),
		spawnCmd: func(ctx context.Context, binaryPath string) *exec.Cmd {
			return exec.CommandContext(ctx, binaryPath)
		},
	}
}

// Start spawns cfg.Size worker subprocesses and begins supervising them.
// It returns once all initial spawns have been attempted (not necessarily
// succeeded — failures enter the restart-backoff path like any crash).
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		w := &managedWorker{id: uuid.NewString(), state: StateStarting}
		p.mu.Lock()
		p.workers[w.id] = w
		p.mu.Unlock()

		p.wg.Add(1)
		go p.superviseWorker(w)
	}
	return nil
}

// Stop sends Shutdown to every worker and waits (bounded by ctx) for their
// subprocesses to exit; any still running when ctx is done are killed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	workers := make([]*managedWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		if w.transport != nil && w.state != StateStopped && w.state != StateStopping {
			w.state = StateStopping
			payload, err := ipc.EncodeCoordinatorMessage(ipc.Shutdown{})
			if err == nil {
				_ = w.transport.Send(ipc.NewEnvelope(payload, nil))
			}
		}
		w.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		// Cancelling the pool context kills every subprocess still running,
		// since each was started with exec.CommandContext(p.ctx, ...).
		p.cancel()
		return errs.Wrap(ctx.Err(), "workerpool: stop timed out waiting for subprocess exit")
	}
}

// superviseWorker owns one subprocess slot for the life of the pool: spawn,
// wait for it to exit, apply restart backoff, spawn again. It returns when
// the pool's context is cancelled or when the subprocess exits cleanly (as
// it does after a Shutdown); only a failed exit leads to a restart.
func (p *Pool) superviseWorker(w *managedWorker) {
	defer p.wg.Done()

	backoff := minRestartBackoff
	for {
		select {
		case <-p.ctx.Done():
			p.setState(w, StateStopped)
			return
		default:
		}

		if err := p.spawnAndRun(w); err != nil {
			log.Warnw("worker subprocess exited", "worker_id", w.id, "error", err.Error())
			w.mu.Lock()
			w.restarts++
			w.mu.Unlock()
			p.setState(w, StateFailed)
			p.removeFromIdle(w)

			select {
			case <-p.ctx.Done():
				p.setState(w, StateStopped)
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, p.cfg.RestartBackoffCap)
			continue
		}

		// Clean exit (Shutdown was requested).
		p.setState(w, StateStopped)
		return
	}
}

// spawnAndRun starts the subprocess, marks it Idle once it announces
// readiness, and blocks until the process exits.
func (p *Pool) spawnAndRun(w *managedWorker) error {
	cmd := p.spawnCmd(p.ctx, p.cfg.BinaryPath)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "RATCHET_WORKER_ID="+w.id)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(err, "open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(err, "open worker stdout")
	}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(err, "start worker subprocess")
	}

	transport := ipc.NewTransport(stdout, stdin)
	transport.OnDiscardedLine = func(line []byte, err error) {
		log.Warnw("discarded malformed ipc line from worker", "worker_id", w.id, "error", err.Error())
	}

	w.mu.Lock()
	w.cmd = cmd
	w.transport = transport
	w.lastSeen = time.Now()
	w.mu.Unlock()

	env, err := transport.Recv()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return errs.Wrap(err, "worker did not send ready")
	}
	msg, err := ipc.DecodeWorkerMessage(env.Payload)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return errs.Wrap(err, "worker's first message was not decodable")
	}
	if _, ok := msg.(ipc.Ready); !ok {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return errs.Newf("worker's first message was %q, expected ready", msg.Type())
	}

	p.markIdle(w)

	return cmd.Wait()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
