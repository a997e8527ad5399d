package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRequestStore struct {
	updateSuccess []bool
}

func (f *fakeRequestStore) Take(ctx context.Context) (model.InferenceRequest, error) {
	return model.InferenceRequest{}, errors.New("not used by these tests")
}

func (f *fakeRequestStore) Update(ctx context.Context, req model.InferenceRequest, success bool) error {
	f.updateSuccess = append(f.updateSuccess, success)
	return nil
}

type fakeJobRepository struct {
	addErr        error
	addedJob      model.InferenceJob
	addedInstances []model.InstanceStorageInfo
	called        bool
}

func (f *fakeJobRepository) Add(ctx context.Context, job model.InferenceJob, instances []model.InstanceStorageInfo) error {
	f.called = true
	f.addedJob = job
	f.addedInstances = instances
	return f.addErr
}

func noopTokenResolver(string) (*secrets.Token, error) {
	return secrets.NewToken(""), nil
}

func TestProcessRestoresStagedInstancesAndCreatesJob(t *testing.T) {
	stagingDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stagingDir, "inst-1.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	storage := diskinfo.New(t.TempDir(), 0, 0, 0)
	requests := &fakeRequestStore{}
	jobs := &fakeJobRepository{}
	svc := New(requests, jobs, storage, noopTokenResolver, discardLogger())

	req := model.InferenceRequest{
		TransactionID: "tx-1",
		JobID:         "job-1",
		PayloadID:     "payload-1",
		StagingPath:   stagingDir,
		InputResources: []model.Resource{{Interface: model.InterfaceAlgorithm}},
	}
	svc.process(context.Background(), req)

	if !jobs.called {
		t.Fatal("expected jobs.Add to be called")
	}
	if len(jobs.addedInstances) != 1 || jobs.addedInstances[0].SopInstanceUID != "inst-1" {
		t.Fatalf("got instances %+v, want exactly inst-1", jobs.addedInstances)
	}
	if jobs.addedJob.JobID != "job-1" {
		t.Fatalf("got jobId %q, want job-1", jobs.addedJob.JobID)
	}
	if len(requests.updateSuccess) != 1 || !requests.updateSuccess[0] {
		t.Fatalf("got update calls %+v, want a single successful update", requests.updateSuccess)
	}
}

func TestProcessFailsRequestWhenNoInstancesRetrieved(t *testing.T) {
	storage := diskinfo.New(t.TempDir(), 0, 0, 0)
	requests := &fakeRequestStore{}
	jobs := &fakeJobRepository{}
	svc := New(requests, jobs, storage, noopTokenResolver, discardLogger())

	req := model.InferenceRequest{
		TransactionID:  "tx-1",
		StagingPath:    t.TempDir(),
		InputResources: []model.Resource{{Interface: model.InterfaceAlgorithm}},
	}
	svc.process(context.Background(), req)

	if jobs.called {
		t.Fatal("jobs.Add must not be called when no instances were retrieved")
	}
	if len(requests.updateSuccess) != 1 || requests.updateSuccess[0] {
		t.Fatalf("got update calls %+v, want a single failed update", requests.updateSuccess)
	}
}

func TestProcessFailsRequestWhenJobRepositoryAddFails(t *testing.T) {
	stagingDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stagingDir, "inst-1.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	storage := diskinfo.New(t.TempDir(), 0, 0, 0)
	requests := &fakeRequestStore{}
	jobs := &fakeJobRepository{addErr: errors.New("downstream unavailable")}
	svc := New(requests, jobs, storage, noopTokenResolver, discardLogger())

	req := model.InferenceRequest{
		TransactionID:  "tx-1",
		JobID:          "job-1",
		StagingPath:    stagingDir,
		InputResources: []model.Resource{{Interface: model.InterfaceAlgorithm}},
	}
	svc.process(context.Background(), req)

	if len(requests.updateSuccess) != 1 || requests.updateSuccess[0] {
		t.Fatalf("got update calls %+v, want a single failed update after jobs.Add error", requests.updateSuccess)
	}
}
