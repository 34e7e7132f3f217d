package workerpool

import (
	"context"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/ipc"
)

func (p *Pool) setState(w *managedWorker, s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// markIdle transitions a worker to Idle and either hands it directly to the
// longest-waiting caller (arrival-ordered queue) or pushes it onto the LIFO
// idle stack (§4.C: most-recently-idle worker is assigned first, keeping a
// warm subset of the pool under light load).
func (p *Pool) markIdle(w *managedWorker) {
	p.setState(w, StateIdle)

	p.mu.Lock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		p.setState(w, StateBusy)
		ch <- w
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

func (p *Pool) removeFromIdle(w *managedWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// acquire returns an idle worker, popping LIFO, or blocks (FIFO among
// waiters) until one becomes idle or ctx is cancelled.
func (p *Pool) acquire(ctx context.Context) (*managedWorker, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.setState(w, StateBusy)
		return w, nil
	}
	ch := make(chan *managedWorker, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

// Execute claims an idle worker, sends msg, and waits for the correlated
// response, releasing the worker back to Idle (or letting it fail out of
// the pool) when done. Unsolicited messages (Log, Heartbeat) observed
// while waiting for the response are handled inline and do not count as
// the answer.
func (p *Pool) Execute(ctx context.Context, msg ipc.CoordinatorMessage) (ipc.WorkerMessage, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "workerpool: acquire worker")
	}

	payload, err := ipc.EncodeCoordinatorMessage(msg)
	if err != nil {
		p.markIdle(w)
		return nil, errs.Wrap(err, "workerpool: encode message")
	}
	env := ipc.NewEnvelope(payload, nil)

	w.mu.Lock()
	transport := w.transport
	w.mu.Unlock()

	if err := transport.Send(env); err != nil {
		p.fail(w, err)
		return nil, errs.Wrap(err, "workerpool: send to worker")
	}

	for {
		resp, err := p.recvWithDeadline(transport, ctx)
		if err != nil {
			p.fail(w, err)
			return nil, errs.Wrap(err, "workerpool: receive from worker")
		}
		respMsg, err := ipc.DecodeWorkerMessage(resp.Payload)
		if err != nil {
			// Already logged by Transport.OnDiscardedLine for parse
			// failures; an undecodable-but-well-formed payload here is
			// a protocol violation worth failing the worker over.
			p.fail(w, err)
			return nil, errs.Wrap(err, "workerpool: undecodable worker message")
		}

		if ipc.IsUnsolicited(respMsg) {
			w.mu.Lock()
			w.lastSeen = time.Now()
			w.mu.Unlock()
			if werr, isErr := respMsg.(ipc.WorkerError); isErr {
				p.fail(w, errs.Newf("worker reported fatal error: %s", werr.Message))
				return nil, errs.Newf("workerpool: worker reported fatal error: %s", werr.Message)
			}
			continue
		}

		if resp.CorrelationID == nil || *resp.CorrelationID != env.ID {
			// Stale response from a previous call; keep waiting.
			continue
		}

		p.markIdle(w)
		return respMsg, nil
	}
}

func (p *Pool) recvWithDeadline(transport *ipc.Transport, ctx context.Context) (ipc.Envelope, error) {
	type result struct {
		env ipc.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := transport.Recv()
		ch <- result{env, err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		return ipc.Envelope{}, ctx.Err()
	}
}

// fail marks a worker Failed and removes it from the idle/waiter rotation;
// superviseWorker's process-exit handling drives the actual restart once
// the subprocess dies (killing it here ensures that happens promptly
// rather than waiting for the next heartbeat timeout).
func (p *Pool) fail(w *managedWorker, cause error) {
	p.setState(w, StateFailed)
	p.removeFromIdle(w)
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
