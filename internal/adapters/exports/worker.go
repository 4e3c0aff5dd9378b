// Package exports runs bulk-match jobs in the background and stores the
// rendered workbooks in the blob store.
package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"installcore/internal/adapters/collections"
	"installcore/internal/adapters/spreadsheet"
	"installcore/internal/blob"
	"installcore/internal/bulk"
	"installcore/pkg/domain"
)

// Status describes the lifecycle stage of an export job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// KeyPrefix is the blob key prefix of every export artifact.
const KeyPrefix = "bulk-matches/"

// DefaultQueueSize bounds the number of jobs waiting for the worker.
const DefaultQueueSize = 32

// ErrQueueFull is returned by Enqueue when the queue has no room.
var ErrQueueFull = errors.New("export queue full")

// Artifact captures a stored report workbook.
type Artifact struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Counts are the summary figures of a finished job.
type Counts struct {
	Success       int `json:"success"`
	NotFound      int `json:"not_found"`
	Failed        int `json:"failed"`
	ErrorsOmitted int `json:"errors_omitted"`
}

// Job tracks one export request and its resulting artifact.
type Job struct {
	ID          string     `json:"id"`
	Mode        bulk.Mode  `json:"mode"`
	Rows        int        `json:"rows"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Counts      *Counts    `json:"counts,omitempty"`
	Artifact    *Artifact  `json:"artifact,omitempty"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) copy() Job {
	out := *j
	if j.Counts != nil {
		counts := *j.Counts
		out.Counts = &counts
	}
	if j.Artifact != nil {
		artifact := *j.Artifact
		out.Artifact = &artifact
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Request is an enqueue request: a raw table and the match mode.
type Request struct {
	Table       [][]string
	Mode        bulk.Mode
	RequestedBy string
}

// Options configures a Worker.
type Options struct {
	Logger    *zap.Logger
	ErrorCap  int
	Metrics   *bulk.Metrics
	QueueSize int
	Now       func() time.Time
}

// Worker executes export jobs one at a time. Matching uses one-shot snapshots
// of devices, installations and locations taken when the job starts.
type Worker struct {
	store  domain.PersistentStore
	blobs  blob.Store
	logger *zap.Logger
	opts   Options

	queue chan task
	mu    sync.RWMutex
	jobs  map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id  string
	req Request
}

// NewWorker constructs a worker. Call Start before enqueueing.
func NewWorker(store domain.PersistentStore, blobs blob.Store, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:  store,
		blobs:  blobs,
		logger: opts.Logger.Named("exports"),
		opts:   opts,
		queue:  make(chan task, opts.QueueSize),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running job.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker and stops it when ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Stop(stopCtx)
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue validates the request and schedules it, returning the queued job.
func (w *Worker) Enqueue(_ context.Context, req Request) (Job, error) {
	mode, err := bulk.ParseMode(string(req.Mode))
	if err != nil {
		return Job{}, err
	}
	req.Mode = mode
	if len(req.Table) == 0 {
		return Job{}, domain.InvalidInput("export table is empty")
	}

	now := w.opts.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Mode:        mode,
		Rows:        len(req.Table),
		Status:      StatusQueued,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[job.ID] = job
	snapshot := job.copy()
	w.mu.Unlock()

	select {
	case w.queue <- task{id: job.ID, req: req}:
	default:
		w.mu.Lock()
		delete(w.jobs, job.ID)
		w.mu.Unlock()
		return Job{}, ErrQueueFull
	}
	w.logger.Info("export queued", zap.String("job_id", job.ID), zap.String("mode", string(mode)), zap.Int("rows", job.Rows))
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// List returns snapshots of every known job, newest first.
func (w *Worker) List() []Job {
	w.mu.RLock()
	out := make([]Job, 0, len(w.jobs))
	for _, job := range w.jobs {
		out = append(out, job.copy())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Key returns the artifact key for a job id.
func Key(jobID string) string { return KeyPrefix + jobID + ".xlsx" }

func (w *Worker) process(t task) {
	w.update(t.id, func(j *Job) { j.Status = StatusRunning })

	report, err := w.match(t.req)
	if err != nil {
		w.fail(t.id, fmt.Errorf("load snapshots: %w", err))
		return
	}
	payload, err := spreadsheet.WriteReport(report)
	if err != nil {
		w.fail(t.id, fmt.Errorf("render report: %w", err))
		return
	}
	info, err := w.blobs.Put(w.ctx, Key(t.id), bytes.NewReader(payload), blob.PutOptions{
		ContentType: spreadsheet.ContentType,
		Metadata: map[string]string{
			"job_id":    t.id,
			"mode":      string(report.Mode),
			"success":   strconv.Itoa(report.Success),
			"not_found": strconv.Itoa(report.NotFound),
			"failed":    strconv.Itoa(report.Failed),
		},
	})
	if err != nil {
		w.fail(t.id, fmt.Errorf("store artifact: %w", err))
		return
	}

	url := info.URL
	if signed, err := w.blobs.PresignURL(w.ctx, info.Key, blob.SignedURLOptions{}); err == nil {
		url = signed
	} else if !errors.Is(err, blob.ErrUnsupported) {
		w.logger.Warn("presign artifact", zap.String("job_id", t.id), zap.Error(err))
	}

	counts := &Counts{Success: report.Success, NotFound: report.NotFound, Failed: report.Failed, ErrorsOmitted: report.ErrorsOmitted}
	artifact := &Artifact{
		Key:         info.Key,
		ContentType: spreadsheet.ContentType,
		SizeBytes:   int64(len(payload)),
		URL:         url,
		CreatedAt:   w.opts.Now(),
	}
	w.update(t.id, func(j *Job) {
		now := w.opts.Now()
		j.Status = StatusSucceeded
		j.Error = ""
		j.Counts = counts
		j.Artifact = artifact
		j.CompletedAt = &now
	})
	w.logger.Info("export succeeded",
		zap.String("job_id", t.id),
		zap.Int("success", counts.Success),
		zap.Int("not_found", counts.NotFound),
		zap.Int("failed", counts.Failed))
}

func (w *Worker) match(req Request) (bulk.Report, error) {
	devices, err := collections.Devices(w.store).List(w.ctx)
	if err != nil {
		return bulk.Report{}, err
	}
	installations, err := collections.Installations(w.store).List(w.ctx)
	if err != nil {
		return bulk.Report{}, err
	}
	locations, err := collections.Locations(w.store).List(w.ctx)
	if err != nil {
		return bulk.Report{}, err
	}
	opts := []bulk.Option{bulk.WithMetrics(w.opts.Metrics)}
	if w.opts.ErrorCap > 0 {
		opts = append(opts, bulk.WithErrorCap(w.opts.ErrorCap))
	}
	return bulk.NewMatcher(devices, installations, locations, opts...).Match(req.Table, req.Mode), nil
}

func (w *Worker) update(id string, fn func(*Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = w.opts.Now()
	}
}

func (w *Worker) fail(id string, err error) {
	w.update(id, func(j *Job) {
		now := w.opts.Now()
		j.Status = StatusFailed
		j.Error = err.Error()
		j.CompletedAt = &now
	})
	w.logger.Error("export failed", zap.String("job_id", id), zap.Error(err))
}
