package workerpool

// WorkerStatus is a snapshot of one supervised worker, for diagnostics.
type WorkerStatus struct {
	ID       string
	State    State
	Restarts int
}

// Status returns a point-in-time snapshot of every worker the pool
// supervises.
func (p *Pool) Status() []WorkerStatus {
	p.mu.Lock()
	workers := make([]*managedWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		out = append(out, WorkerStatus{ID: w.id, State: w.state, Restarts: w.restarts})
		w.mu.Unlock()
	}
	return out
}

// Size returns the configured number of supervised workers.
func (p *Pool) Size() int {
	return p.cfg.Size
}
