package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
)

// Event reports progress of one job in a batch.
type Event struct {
	Key      string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	State    ir.State
	Error    error
}

// Callback is called for each batch event if set. It may be called from
// several goroutines at once.
type Callback func(event Event)

// RunAll executes a batch of jobs. Creates and updates run first in
// dependency order, then deletes and purges in reverse dependency order.
// Independent jobs run concurrently up to e.Parallelism. A job whose
// dependency failed is skipped. Unless ContinueOnError is set, the first
// failure stops jobs that have not started yet.
func (e *Engine) RunAll(ctx context.Context, jobs []Job, callback Callback) (map[string]ir.State, error) {
	emit := func(event Event) {
		if callback != nil {
			callback(event)
		}
	}

	dag, err := BuildDAG(jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	var writes, deletes []Job
	for _, job := range jobs {
		if job.Action == ir.ActionDelete || job.Action == ir.ActionPurge {
			deletes = append(deletes, job)
		} else {
			writes = append(writes, job)
		}
	}

	results := make(map[string]ir.State, len(jobs))
	var mu sync.Mutex
	record := func(key string, s ir.State) {
		mu.Lock()
		results[key] = s
		mu.Unlock()
	}

	var errs []error
	phases := []struct {
		jobs []Job
		deps func(key string) []string
	}{
		{writes, dag.Dependencies},
		{deletes, dag.Dependents},
	}
	for _, phase := range phases {
		if len(phase.jobs) == 0 {
			continue
		}
		if err := e.runParallel(ctx, phase.jobs, phase.deps, record, emit); err != nil {
			if !e.ContinueOnError {
				return results, err
			}
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

// runParallel runs jobs once everything deps names within the set has
// completed.
func (e *Engine) runParallel(ctx context.Context, jobs []Job, deps func(string) []string, record func(string, ir.State), emit func(Event)) error {
	inSet := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		inSet[j.key()] = true
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	var firstErr error
	var allErrs []error

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			key := job.key()

			mu.Lock()
			for {
				if firstErr != nil && !e.ContinueOnError {
					mu.Unlock()
					return
				}
				ready, depFailed := true, ""
				for _, dep := range deps(key) {
					if !inSet[dep] {
						continue
					}
					if failed[dep] {
						depFailed = dep
						break
					}
					if !completed[dep] {
						ready = false
					}
				}
				if depFailed != "" {
					failed[key] = true
					mu.Unlock()
					cond.Broadcast()
					logging.Warn("skipping job after dependency failure", "key", key, "dependency", depFailed)
					emit(Event{Key: key, Action: job.Action, Status: "skipped"})
					return
				}
				if ready {
					break
				}
				cond.Wait()
			}
			mu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(Event{Key: key, Action: job.Action, Status: "started"})
			s, err := e.Execute(ctx, job)
			record(key, s)

			mu.Lock()
			if err != nil {
				err = fmt.Errorf("%s %s: %w", job.Action, key, err)
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				failed[key] = true
			} else {
				completed[key] = true
			}
			mu.Unlock()
			cond.Broadcast()

			if err != nil {
				emit(Event{Key: key, Action: job.Action, Status: "failed", Duration: time.Since(start), State: s, Error: err})
				return
			}
			emit(Event{Key: key, Action: job.Action, Status: "completed", Duration: time.Since(start), State: s})
		}(job)
	}
	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d job(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	return firstErr
}
