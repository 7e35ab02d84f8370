package scheduler

import (
	"fmt"
	"sync"
)

// Registry catalogs the available crawl jobs by name. Registration
// order is preserved for listings and RunAll.
type Registry struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]Job
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds a job. Duplicate names are rejected.
func (r *Registry) Register(job Job) error {
	name := job.Name()
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	r.jobs[name] = job
	r.order = append(r.order, name)
	return nil
}

// Get returns the job registered under name.
func (r *Registry) Get(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	return job, ok
}

// List describes all registered jobs in registration order.
func (r *Registry) List() []JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobInfo, 0, len(r.order))
	for _, name := range r.order {
		job := r.jobs[name]
		out = append(out, JobInfo{
			ID:          name,
			Name:        name,
			Description: job.Description(),
			Type:        job.Type(),
		})
	}
	return out
}

// Jobs returns the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.jobs[name])
	}
	return out
}
