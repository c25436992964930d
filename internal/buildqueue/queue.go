package buildqueue

import (
	"sort"
	"sync"

	"github.com/labfleet/controlplane/internal/model"
)

// jobQueue holds pending jobs ordered priority-first, then FIFO within a
// priority. Reordering uses a stable sort so equal-priority jobs never
// reorder relative to each other.
type jobQueue struct {
	mu   sync.Mutex
	jobs []model.BuildJob
}

func newJobQueue() *jobQueue { return &jobQueue{} }

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *jobQueue) Push(job model.BuildJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	sort.SliceStable(q.jobs, func(i, j int) bool {
		return q.jobs[i].Priority.Rank() > q.jobs[j].Priority.Rank()
	})
}

// Snapshot returns a head-first copy of the current queue order.
func (q *jobQueue) Snapshot() []model.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.BuildJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func (q *jobQueue) Remove(jobID string) (model.BuildJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.ID == jobID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return j, true
		}
	}
	return model.BuildJob{}, false
}
