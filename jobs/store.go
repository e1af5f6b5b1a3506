package jobs

import (
	"sync"
	"time"
)

// jobTable is the keyed job table. One mutex guards the map and every job
// in it.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*Job)}
}

func (t *jobTable) add(job *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
}

func (t *jobTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// with runs fn on the job under the table lock.
func (t *jobTable) with(id string, fn func(*Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(job)
	return nil
}

// mutate runs fn on a job the caller already holds.
func (t *jobTable) mutate(job *Job, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(job)
}

func (t *jobTable) prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, job := range t.jobs {
		if !job.InProgress && job.UpdatedAt.Before(before) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

func (t *jobTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}
