// Package jobs implements the Job Repository and Job-Submission Service
//: the durable state machine driving an InferenceJob through
// Creating → MetadataUploading → PayloadUploading → Starting →
// Completed|Faulted, with bounded retries, bounded-parallel payload
// upload, and terminal cleanup.
package jobs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/cleanup"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/retry"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

// takeableStates are the InferenceJob states Take will hand out: it blocks
// until a row with state ∈ {Creating, MetadataUploading,
// PayloadUploading, Starting} is available.
var takeableStates = map[model.JobState]bool{
	model.JobStateCreating:          true,
	model.JobStateMetadataUploading: true,
	model.JobStatePayloadUploading:  true,
	model.JobStateStarting:          true,
}

// MetadataBuilder builds the metadata map uploaded in the
// MetadataUploading handler, pluggable so it can be driven by config flags
// uploadMetadata and metadataDicomSource.
type MetadataBuilder interface {
	Build(ctx context.Context, job model.InferenceJob, stagedFiles []string) (map[string]string, error)
}

// Config parameterizes the Repository's handlers.
type Config struct {
	ParallelUploads     int
	UploadMetadata      bool
	MetadataDicomSource string
}

// Repository is the Job Repository + Job-Submission Service.
type Repository struct {
	table   *store.Store[model.InferenceJob]
	jobsAPI *platform.JobsClient
	payloads *platform.PayloadsClient
	cleanupQueue *cleanup.Queue
	builder MetadataBuilder
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	queue   chan model.InferenceJob
}

// New returns a Repository driven by table, wired to the platform clients
// and the cleanup queue.
func New(ctx context.Context, table *store.Store[model.InferenceJob], jobsAPI *platform.JobsClient, payloads *platform.PayloadsClient, cleanupQueue *cleanup.Queue, builder MetadataBuilder, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Repository {
	r := &Repository{
		table:        table,
		jobsAPI:      jobsAPI,
		payloads:     payloads,
		cleanupQueue: cleanupQueue,
		builder:      builder,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		queue:        make(chan model.InferenceJob, 256),
	}
	go r.watchLoop(ctx)
	return r
}

func (r *Repository) watchLoop(ctx context.Context) {
	events := r.table.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == store.EventDeleted {
				continue
			}
			if !takeableStates[ev.Value.State] {
				continue
			}
			select {
			case r.queue <- ev.Value:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Add copies every instance from the SCP staging path to the job's payload
// directory, retrying disk-full IO errors (1s/2s/3s; any other IO error
// aborts), then adds the job row in state Creating.
func (r *Repository) Add(ctx context.Context, job model.InferenceJob, instances []model.InstanceStorageInfo) error {
	job.Instances = instances
	job.State = model.JobStateCreating

	for _, inst := range instances {
		dest := filepath.Join(job.StagingPath, filepath.Base(inst.StagingPath))
		if err := r.copyWithRetry(ctx, inst.StagingPath, dest); err != nil {
			return err
		}
	}
	return r.table.Add(ctx, job)
}

func (r *Repository) copyWithRetry(ctx context.Context, src, dest string) error {
	policy := retry.DiskFullBackoff()
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return r.classifyIOErr(err)
		}
		in, err := os.Open(src)
		if err != nil {
			return r.classifyIOErr(err)
		}
		defer in.Close()
		out, err := os.Create(dest)
		if err != nil {
			return r.classifyIOErr(err)
		}
		defer out.Close()
		if _, err := io.Copy(out, in); err != nil {
			return r.classifyIOErr(err)
		}
		return nil
	})
}

func (r *Repository) classifyIOErr(err error) error {
	if apperrors.IsDiskFull(err) {
		return apperrors.New(apperrors.KindIOFull, err)
	}
	// Non-disk-full IO errors abort and propagate: wrapping
	// as IOOther makes Classify treat it as fatal, not retriable.
	return apperrors.New(apperrors.KindIOOther, err)
}

// Take blocks until a job in a takeable state is available, persists an
// in-place LastTaken transition, and returns it. The real state change
// commits only when the handler completes (see DESIGN.md).
func (r *Repository) Take(ctx context.Context) (model.InferenceJob, error) {
	select {
	case job := <-r.queue:
		job.LastTaken = time.Now()
		if err := r.table.Save(ctx, job); err != nil {
			return model.InferenceJob{}, err
		}
		return job, nil
	case <-ctx.Done():
		return model.InferenceJob{}, ctx.Err()
	}
}

// ResetJobState is called on service start. It lists the table so that a
// read failure surfaces early, and rewrites no row: every takeable state is
// already its own
// resumable entry point, and watchLoop's subscription to table.Watch
// replays every live non-terminal row as an Added event as soon as it
// subscribes, which re-admits in-flight jobs to r.queue without any row
// rewrite. Completed and Faulted rows are left unchanged (Open Question
// resolution, see DESIGN.md).
func (r *Repository) ResetJobState(ctx context.Context) error {
	_, err := r.table.List(ctx)
	return err
}

// Run drives jobs through the state machine until ctx is cancelled.
func (r *Repository) Run(ctx context.Context, registry *health.Registry, name string) error {
	registry.Set(name, health.StatusRunning)
	defer registry.Set(name, health.StatusStopped)

	for {
		job, err := r.Take(ctx)
		if err != nil {
			registry.Set(name, health.StatusCancelled)
			return nil
		}
		r.handle(ctx, job)
	}
}

func (r *Repository) handle(ctx context.Context, job model.InferenceJob) {
	ctx, span := telemetry.StartSpan(ctx, "jobs.transition."+string(job.State))
	defer span.End()

	var err error
	switch job.State {
	case model.JobStateCreating:
		err = r.handleCreating(ctx, &job)
	case model.JobStateMetadataUploading:
		err = r.handleMetadataUploading(ctx, &job)
	case model.JobStatePayloadUploading:
		err = r.handlePayloadUploading(ctx, &job)
	case model.JobStateStarting:
		err = r.handleStarting(ctx, &job)
	default:
		err = apperrors.New(apperrors.KindInvalidState, fmt.Errorf("unexpected job state %q", job.State))
	}

	if err == nil {
		if job.State == model.JobStateCompleted || job.State == model.JobStateFaulted {
			r.enqueueTerminalCleanup(job)
			r.metrics.JobStateTransitionsTotal.WithLabelValues(string(job.State)).Inc()
		} else {
			r.metrics.JobStateTransitionsTotal.WithLabelValues(string(job.State)).Inc()
		}
		if saveErr := r.table.Save(ctx, job); saveErr != nil {
			r.logger.Error("failed to persist job transition", "jobId", job.JobID, "error", saveErr)
		}
		return
	}

	r.failJob(ctx, &job, err)
}

func (r *Repository) failJob(ctx context.Context, job *model.InferenceJob, handlerErr error) {
	if apperrors.Classify(handlerErr) == apperrors.DecisionCancelled {
		r.logger.Warn("job handler cancelled", "jobId", job.JobID, "state", job.State)
		return
	}

	job.TryCount++
	if job.TryCount > model.MaxRetry {
		job.State = model.JobStateFaulted
		job.Status = model.JobStatusFail
		r.enqueueTerminalCleanup(*job)
	}
	// Else: left in the same state with TryCount incremented; the Save
	// below publishes a Modified event, and watchLoop re-admits the job for
	// another attempt at the same handler.

	if err := r.table.Save(ctx, *job); err != nil {
		r.logger.Error("failed to persist job failure", "jobId", job.JobID, "error", err)
	}
}

func (r *Repository) handleCreating(ctx context.Context, job *model.InferenceJob) error {
	result, err := r.jobsAPI.Create(ctx, job.PipelineID, job.JobName, job.Priority, map[string]string{"source": job.Source})
	if err != nil {
		return err
	}
	job.PlatformJobID = result.JobID
	job.PlatformPayloadID = result.PayloadID
	job.State = model.JobStateMetadataUploading
	return nil
}

func (r *Repository) handleMetadataUploading(ctx context.Context, job *model.InferenceJob) error {
	files, err := r.stagedFiles(job.StagingPath)
	if err != nil {
		return apperrors.New(apperrors.KindIOOther, err)
	}

	if r.cfg.UploadMetadata && r.builder != nil {
		metadata, err := r.builder.Build(ctx, *job, files)
		if err != nil {
			return err
		}
		if len(metadata) > 0 {
			if err := r.jobsAPI.AddMetadata(ctx, job.PlatformJobID, metadata); err != nil {
				return err
			}
		}
	}
	job.State = model.JobStatePayloadUploading
	return nil
}

func (r *Repository) handlePayloadUploading(ctx context.Context, job *model.InferenceJob) error {
	files, err := r.stagedFiles(job.StagingPath)
	if err != nil {
		return apperrors.New(apperrors.KindIOOther, err)
	}

	parallelism := r.cfg.ParallelUploads
	if parallelism < 1 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(int64(parallelism))

	var failureCount int32
	errs := make(chan error, len(files))
	for _, relPath := range files {
		relPath := relPath
		if err := sem.Acquire(ctx, 1); err != nil {
			return apperrors.New(apperrors.KindOperationCancelled, err)
		}
		go func() {
			defer sem.Release(1)
			localPath := filepath.Join(job.StagingPath, relPath)
			uploadErr := r.payloads.Upload(ctx, job.PlatformPayloadID, relPath, localPath)
			if uploadErr != nil {
				r.metrics.UploadFailuresTotal.Inc()
				atomic.AddInt32(&failureCount, 1)
				errs <- uploadErr
				return
			}
			// Enqueue for reclamation immediately on success so a retry
			// does not re-upload it.
			r.cleanupQueue.Enqueue(localPath)
			errs <- nil
		}()
	}

	if err := sem.Acquire(ctx, int64(parallelism)); err != nil {
		return apperrors.New(apperrors.KindOperationCancelled, err)
	}
	close(errs)

	count := 0
	for range errs {
		count++
	}
	_ = count

	if failureCount > 0 {
		return apperrors.WithFailureCount(apperrors.KindPayloadUploadException,
			fmt.Errorf("%d of %d files failed to upload", failureCount, len(files)), int(failureCount))
	}

	job.State = model.JobStateStarting
	return nil
}

func (r *Repository) handleStarting(ctx context.Context, job *model.InferenceJob) error {
	if err := r.jobsAPI.Start(ctx, job.PlatformJobID); err != nil {
		return err
	}
	job.State = model.JobStateCompleted
	job.Status = model.JobStatusSuccess
	return nil
}

func (r *Repository) stagedFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// enqueueTerminalCleanup enumerates JobPayloadsStoragePath and enqueues
// every file for the Reclaimer on reaching Completed or Faulted.
func (r *Repository) enqueueTerminalCleanup(job model.InferenceJob) {
	files, err := r.stagedFiles(job.StagingPath)
	if err != nil {
		r.logger.Warn("failed to enumerate job payload storage for terminal cleanup", "jobId", job.JobID, "error", err)
		return
	}
	for _, rel := range files {
		r.cleanupQueue.Enqueue(filepath.Join(job.StagingPath, rel))
	}
}
