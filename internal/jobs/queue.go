package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidRequest   = errors.New("invalid job request")
	ErrJobTerminal      = errors.New("job already finished")
	ErrJobNotTerminal   = errors.New("job still in progress")
	ErrNotRetryable     = errors.New("job cannot be retried")
	ErrDuplicateProduct = errors.New("product already in job output")
)

// Executor runs a job to a terminal state through Queue.Update. A returned error
// fails the job as Internal when the executor did not finish it.
type Executor func(ctx context.Context, job *Job) error

type QueueOption func(*Queue)

// WithMaxJobs caps how many jobs stay in memory before the oldest terminal ones are dropped.
func WithMaxJobs(n int) QueueOption {
	return func(q *Queue) { q.maxJobs = n }
}

// WithPruneHook is called for every job removed by pruning, after it left the store.
func WithPruneHook(fn func(*Job)) QueueOption {
	return func(q *Queue) { q.onPrune = fn }
}

type Queue struct {
	workerCount int
	maxJobs     int
	store       Store
	onPrune     func(*Job)

	mu         sync.RWMutex
	jobs       map[string]*Job
	dedupe     map[string]string
	started    bool
	pendingIDs chan string
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount int, store Store, opts ...QueueOption) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     1000,
		store:       store,
		jobs:        make(map[string]*Job),
		dedupe:      make(map[string]string),
		pendingIDs:  make(chan string, 1024),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Submit registers a queued job. An active job with the same dedupe key is returned instead.
func (q *Queue) Submit(req EnqueueRequest) (*Job, bool, error) {
	req.VideoURL = strings.TrimSpace(req.VideoURL)
	if req.VideoURL == "" {
		return nil, false, fmt.Errorf("%w: video_url is required", ErrInvalidRequest)
	}
	now := time.Now()

	q.mu.Lock()
	if id, ok := q.dedupe[req.DedupeKey]; ok && req.DedupeKey != "" {
		if existing, exists := q.jobs[id]; exists {
			snapshot := cloneJob(existing)
			q.mu.Unlock()
			return snapshot, false, nil
		}
		delete(q.dedupe, req.DedupeKey)
	}

	job := &Job{
		ID:        uuid.NewString(),
		VideoURL:  req.VideoURL,
		DedupeKey: req.DedupeKey,
		Stage:     StageQueued,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[job.ID] = job
	if req.DedupeKey != "" {
		q.dedupe[req.DedupeKey] = job.ID
	}
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(job.ID)
	}
	return snapshot, true, nil
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns every job, newest first.
func (q *Queue) List() []*Job {
	q.mu.RLock()
	ret := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// Update applies fn to a copy of the job and commits it to memory and the store atomically.
// If fn fails nothing changes. If the store fails the in-memory change is kept and the
// error is returned.
func (q *Queue) Update(id string, fn func(*Job) error) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneJob(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	q.jobs[id] = next
	if next.Status.Terminal() {
		q.releaseDedupeLocked(next)
	}
	snapshot := cloneJob(next)

	if q.store != nil {
		if err := q.store.UpsertJob(context.Background(), snapshot); err != nil {
			return snapshot, fmt.Errorf("persist job %s: %w", id, err)
		}
	}
	return snapshot, nil
}

// Cancel finishes a queued job right away and flags a running one. The orchestrator
// honours the flag between stages.
func (q *Queue) Cancel(id string) (*Job, error) {
	return q.Update(id, func(j *Job) error {
		switch j.Status {
		case StatusCompleted, StatusFailed:
			return ErrJobTerminal
		case StatusQueued:
			j.CancelRequested = true
			Fail(j, Failure{Kind: KindCancelled, Reason: "The job was cancelled before it started."})
		default:
			j.CancelRequested = true
		}
		return nil
	})
}

// Retry re-queues a failed job. It resumes after the last completed stage.
func (q *Queue) Retry(id string) (*Job, error) {
	job, err := q.Update(id, func(j *Job) error {
		if j.Status != StatusFailed || j.Failure == nil || j.Failure.Kind == KindCancelled {
			return ErrNotRetryable
		}
		for i, c := range j.Candidates {
			if c.State != product.StateLost || c.LostReason != product.LostJobTerminated {
				continue
			}
			c.LostReason = ""
			c.State = product.StateConfirmed
			if j.LastCompleted.Before(StageDisambiguating) && !c.HasSource(product.SourceVideo) {
				c.State = product.StatePending
			}
			j.Candidates[i] = c
		}
		j.Status = StatusQueued
		j.Stage = StageQueued
		j.Failure = nil
		j.Output = nil
		j.CancelRequested = false
		return nil
	})
	if err != nil {
		return job, err
	}
	q.mu.Lock()
	if job.DedupeKey != "" {
		if _, taken := q.dedupe[job.DedupeKey]; !taken {
			q.dedupe[job.DedupeKey] = job.ID
		}
	}
	started := q.started
	q.mu.Unlock()
	if started {
		q.enqueuePendingID(job.ID)
	}
	return job, nil
}

// AddManual appends an already matched candidate to a finished job and re-aggregates its output.
func (q *Queue) AddManual(id string, cand product.Candidate) (*Job, error) {
	return q.Update(id, func(j *Job) error {
		if !j.Status.Terminal() {
			return ErrJobNotTerminal
		}
		next := 0
		for _, c := range j.Candidates {
			if c.State == product.StateMatched && sameListing(c.Catalog, cand.Catalog) {
				return ErrDuplicateProduct
			}
			if c.Position >= next {
				next = c.Position + 1
			}
		}
		cand.Position = next
		j.Candidates = append(j.Candidates, cand.Clone())
		out := product.Aggregate(j.Candidates)
		j.Output = &out
		return nil
	})
}

func sameListing(a, b *product.CatalogRef) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ProductID != "" && a.ProductID == b.ProductID {
		return true
	}
	for m, id := range b.Listings {
		if a.Listings[m] == id {
			return true
		}
	}
	return false
}

// PruneBefore drops terminal jobs last updated before cutoff.
func (q *Queue) PruneBefore(cutoff time.Time) []string {
	q.mu.Lock()
	pruned := make([]*Job, 0)
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			q.releaseDedupeLocked(job)
			delete(q.jobs, id)
			pruned = append(pruned, job)
		}
	}
	q.mu.Unlock()

	q.deleteJobsFromStore(pruned)
	ids := make([]string, 0, len(pruned))
	for _, job := range pruned {
		ids = append(ids, job.ID)
	}
	sort.Strings(ids)
	return ids
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusQueued {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	q.mu.Unlock()

	for _, job := range pending {
		q.enqueuePendingID(job.ID)
	}

	for range q.workerCount {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

// Stop cancels in-flight jobs and waits for workers. Interrupted jobs go back to queued.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.pendingIDs:
			job, ok := q.markRunning(id)
			if !ok {
				continue
			}

			err := exec(q.ctx, job)
			if q.ctx.Err() != nil {
				q.requeueInterrupted(id)
				return
			}
			if err != nil {
				q.markFailed(id, err)
			}
			q.pruneOverflow()
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *Queue) markRunning(id string) (*Job, bool) {
	job, err := q.Update(id, func(j *Job) error {
		if j.Status != StatusQueued {
			return ErrJobTerminal
		}
		j.Status = StatusRunning
		j.Attempts++
		return nil
	})
	if errors.Is(err, ErrJobTerminal) || errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		log.Error("Failed to persist job %s: %v", id, err)
	}
	return job, job != nil
}

func (q *Queue) markFailed(id string, cause error) {
	_, err := q.Update(id, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrJobTerminal
		}
		Fail(j, Failure{Kind: KindInternal, Reason: cause.Error()})
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobTerminal) {
		log.Error("Failed to mark job %s failed: %v", id, err)
	}
}

func (q *Queue) requeueInterrupted(id string) {
	_, err := q.Update(id, func(j *Job) error {
		if j.Status != StatusRunning {
			return ErrJobTerminal
		}
		j.Status = StatusQueued
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobTerminal) {
		log.Error("Failed to requeue job %s: %v", id, err)
	}
}

// Fail moves j to failed and resolves its open candidates so partial output stays consistent.
// An empty f.Stage records the job's current stage.
func Fail(j *Job, f Failure) {
	if f.Stage == "" {
		f.Stage = j.Stage
	}
	if f.Stage == "" || f.Stage == StageFailed {
		f.Stage = StageQueued
	}
	j.Failure = &f
	j.Candidates = product.ResolveRemaining(j.Candidates, product.LostJobTerminated)
	out := product.Aggregate(j.Candidates)
	j.Output = &out
	j.Status = StatusFailed
	j.Stage = StageFailed
}

func (q *Queue) releaseDedupeLocked(job *Job) {
	if job == nil || job.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[job.DedupeKey]; ok && id == job.ID {
		delete(q.dedupe, job.DedupeKey)
	}
}

func (q *Queue) pruneTerminalJobsLocked() []*Job {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	terminal := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job == nil || !job.Status.Terminal() {
			continue
		}
		terminal = append(terminal, job)
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})

	toRemove := len(q.jobs) - q.maxJobs
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]*Job, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		job := terminal[i]
		q.releaseDedupeLocked(job)
		delete(q.jobs, job.ID)
		pruned = append(pruned, job)
	}
	return pruned
}

// pruneOverflow applies the in-memory cap after each finished run.
func (q *Queue) pruneOverflow() {
	q.mu.Lock()
	pruned := q.pruneTerminalJobsLocked()
	q.mu.Unlock()
	q.deleteJobsFromStore(pruned)
}

func (q *Queue) deleteJobsFromStore(jobs []*Job) {
	for _, job := range jobs {
		if q.store != nil {
			if err := q.store.DeleteJob(context.Background(), job.ID); err != nil {
				log.Error("Failed to delete pruned job %s from store: %v", job.ID, err)
			}
		}
		if q.onPrune != nil {
			q.onPrune(job)
		}
	}
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Job, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning {
			job.Status = StatusQueued
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if !job.Status.Terminal() && job.DedupeKey != "" {
			q.dedupe[job.DedupeKey] = job.ID
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}
