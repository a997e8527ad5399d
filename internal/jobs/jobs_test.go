package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/cleanup"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakePlatform serves the minimal Jobs/Payloads API contract used by the
// Job-Submission Service's handlers.
func fakePlatform(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(platform.CreateResult{JobID: "platform-job-1", PayloadID: "platform-payload-1"})
	})
	mux.HandleFunc("/jobs/platform-job-1/metadata", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/jobs/platform-job-1/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/payloads/platform-payload-1/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newTestRepository(t *testing.T, srv *httptest.Server) (*Repository, context.Context, context.CancelFunc) {
	t.Helper()
	db := openTestDB(t)
	table := store.New[model.InferenceJob](db, "inferjob/")
	token := secrets.NewToken("test")
	jobsAPI := platform.NewJobsClient(srv.URL, token, secrets.AuthTypeBearer)
	payloadsAPI := platform.NewPayloadsClient(srv.URL, token, secrets.AuthTypeBearer)
	queue := cleanup.NewQueue(nil)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	repo := New(ctx, table, jobsAPI, payloadsAPI, queue, noopBuilder{}, Config{ParallelUploads: 2}, discardLogger(), metrics)
	return repo, ctx, cancel
}

type noopBuilder struct{}

func (noopBuilder) Build(ctx context.Context, job model.InferenceJob, files []string) (map[string]string, error) {
	return nil, nil
}

func TestAddCopiesInstancesAndPersistsCreating(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()
	repo, ctx, cancel := newTestRepository(t, srv)
	defer cancel()

	srcDir := t.TempDir()
	stagingDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "inst-1.dcm")
	if err := os.WriteFile(srcFile, []byte("dicom-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	job := model.InferenceJob{JobID: "job-1", PayloadID: "payload-1", StagingPath: stagingDir}
	instances := []model.InstanceStorageInfo{{SopInstanceUID: "inst-1", StagingPath: srcFile}}

	if err := repo.Add(ctx, job, instances); err != nil {
		t.Fatalf("Add: %v", err)
	}

	copied := filepath.Join(stagingDir, "inst-1.dcm")
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("expected copied file at %s: %v", copied, err)
	}
	if string(data) != "dicom-bytes" {
		t.Fatalf("got %q, want dicom-bytes", data)
	}

	got, err := repo.table.Find(ctx, "job-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.State != model.JobStateCreating {
		t.Fatalf("got state %q, want Creating", got.State)
	}
}

func TestTakeSetsLastTakenAndPersists(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()
	repo, ctx, cancel := newTestRepository(t, srv)
	defer cancel()

	job := model.InferenceJob{JobID: "job-1", PayloadID: "payload-1", StagingPath: t.TempDir(), State: model.JobStateCreating}
	if err := repo.table.Add(ctx, job); err != nil {
		t.Fatalf("seed Add: %v", err)
	}

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	taken, err := repo.Take(takeCtx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken.LastTaken.IsZero() {
		t.Fatal("expected LastTaken to be set")
	}

	got, err := repo.table.Find(ctx, "job-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.LastTaken.IsZero() {
		t.Fatal("expected LastTaken to be persisted")
	}
}

func TestResetJobStateLeavesTerminalJobsUnchanged(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()
	repo, ctx, cancel := newTestRepository(t, srv)
	defer cancel()

	completed := model.InferenceJob{JobID: "job-done", State: model.JobStateCompleted, Status: model.JobStatusSuccess}
	if err := repo.table.Add(ctx, completed); err != nil {
		t.Fatal(err)
	}

	if err := repo.ResetJobState(ctx); err != nil {
		t.Fatalf("ResetJobState: %v", err)
	}

	got, err := repo.table.Find(ctx, "job-done")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.JobStateCompleted || got.Status != model.JobStatusSuccess {
		t.Fatalf("terminal job must be left unchanged, got state=%q status=%q", got.State, got.Status)
	}
}

func TestInFlightJobWrittenBeforeSubscribeIsReAdmitted(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()

	db := openTestDB(t)
	table := store.New[model.InferenceJob](db, "inferjob/")
	token := secrets.NewToken("test")
	jobsAPI := platform.NewJobsClient(srv.URL, token, secrets.AuthTypeBearer)
	payloadsAPI := platform.NewPayloadsClient(srv.URL, token, secrets.AuthTypeBearer)
	queue := cleanup.NewQueue(nil)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	// Simulate a job an earlier process left mid-transition: write it
	// directly to the table before any Repository subscribes to it.
	job := model.InferenceJob{JobID: "job-1", PayloadID: "payload-1", StagingPath: t.TempDir(), State: model.JobStatePayloadUploading}
	if err := table.Add(ctx, job); err != nil {
		t.Fatalf("seed Add: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	repo := New(watchCtx, table, jobsAPI, payloadsAPI, queue, noopBuilder{}, Config{ParallelUploads: 2}, discardLogger(), metrics)

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	taken, err := repo.Take(takeCtx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken.JobID != "job-1" || taken.State != model.JobStatePayloadUploading {
		t.Fatalf("got job %+v, want job-1 re-admitted at PayloadUploading", taken)
	}
}

func TestFailJobFaultsAfterExceedingMaxRetry(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()
	repo, ctx, cancel := newTestRepository(t, srv)
	defer cancel()

	job := &model.InferenceJob{JobID: "job-1", State: model.JobStateCreating, StagingPath: t.TempDir()}
	handlerErr := apperrors.New(apperrors.KindTransientTransport, errors.New("boom"))

	for i := 0; i < model.MaxRetry; i++ {
		repo.failJob(ctx, job, handlerErr)
		if job.State != model.JobStateCreating {
			t.Fatalf("iteration %d: expected job to remain in Creating while under retry budget, got %q", i, job.State)
		}
	}
	repo.failJob(ctx, job, handlerErr)
	if job.State != model.JobStateFaulted || job.Status != model.JobStatusFail {
		t.Fatalf("got state=%q status=%q, want Faulted/Fail after exceeding MaxRetry", job.State, job.Status)
	}
}

func TestHandleCreatingThenMetadataThenPayloadThenStarting(t *testing.T) {
	srv := fakePlatform(t)
	defer srv.Close()
	repo, ctx, cancel := newTestRepository(t, srv)
	defer cancel()

	stagingDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stagingDir, "inst-1.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	job := model.InferenceJob{JobID: "job-1", PayloadID: "payload-1", StagingPath: stagingDir, State: model.JobStateCreating}

	if err := repo.handleCreating(ctx, &job); err != nil {
		t.Fatalf("handleCreating: %v", err)
	}
	if job.State != model.JobStateMetadataUploading || job.PlatformJobID != "platform-job-1" {
		t.Fatalf("got state=%q platformJobId=%q", job.State, job.PlatformJobID)
	}

	if err := repo.handleMetadataUploading(ctx, &job); err != nil {
		t.Fatalf("handleMetadataUploading: %v", err)
	}
	if job.State != model.JobStatePayloadUploading {
		t.Fatalf("got state=%q, want PayloadUploading", job.State)
	}

	if err := repo.handlePayloadUploading(ctx, &job); err != nil {
		t.Fatalf("handlePayloadUploading: %v", err)
	}
	if job.State != model.JobStateStarting {
		t.Fatalf("got state=%q, want Starting", job.State)
	}

	if err := repo.handleStarting(ctx, &job); err != nil {
		t.Fatalf("handleStarting: %v", err)
	}
	if job.State != model.JobStateCompleted || job.Status != model.JobStatusSuccess {
		t.Fatalf("got state=%q status=%q, want Completed/Success", job.State, job.Status)
	}
}
