package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExporter struct {
	called bool
	err    error
}

func (f *fakeExporter) Export(ctx context.Context, job model.OutputJob, localPaths map[string]string) error {
	f.called = true
	return f.err
}

type reportedOutcome struct {
	Success   bool `json:"success"`
	Retriable bool `json:"retriable"`
}

// fakeResultsPlatform serves /payloads/{payloadId}/{name} downloads and
// records the outcome posted to /results/{taskId}/report.
func fakeResultsPlatform(t *testing.T, filesAvailable map[string]bool) (*httptest.Server, *reportedOutcome) {
	t.Helper()
	var reported reportedOutcome
	mux := http.NewServeMux()
	mux.HandleFunc("/payloads/", func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if filesAvailable[name] {
			_, _ = w.Write([]byte("dicom-bytes"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/results/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&reported)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux), &reported
}

func newTestService(t *testing.T, srv *httptest.Server, exporter Exporter, failureThreshold float64) *Service {
	t.Helper()
	token := secrets.NewToken("test")
	results := platform.NewResultsClient(srv.URL, token, secrets.AuthTypeBearer)
	payloads := platform.NewPayloadsClient(srv.URL, token, secrets.AuthTypeBearer)
	storage := diskinfo.New(t.TempDir(), 0, 0, 0)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return New(Config{FailureThreshold: failureThreshold}, results, payloads, storage, nil, exporter, discardLogger(), metrics)
}

func TestTaskConverterConvertSkipsTaskWithNoFiles(t *testing.T) {
	c := TaskConverter{Agent: "agent-1"}
	jobs, err := c.Convert(context.Background(), platform.TaskResponse{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Nil(t, jobs, "a task with no uris should produce no jobs")
}

func TestTaskConverterConvertProducesOneJobPerTask(t *testing.T) {
	c := TaskConverter{Agent: "agent-1"}
	jobs, err := c.Convert(context.Background(), platform.TaskResponse{
		TaskID: "task-1", JobID: "job-1", PayloadID: "payload-1", Uris: []string{"out.dcm"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "agent-1", jobs[0].Agent)
	assert.Equal(t, "task-1", jobs[0].TaskID)
}

type fakeDestinationLookup struct {
	dest model.DestinationApplicationEntity
	err  error
}

func (f fakeDestinationLookup) lookup(ctx context.Context, name string) (model.DestinationApplicationEntity, error) {
	return f.dest, f.err
}

type fakeScuSender struct {
	failuresBeforeSuccess int
	calls                 int
}

func (f *fakeScuSender) Send(ctx context.Context, calledAeTitle, host string, port int, files []string) error {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		return errors.New("association refused")
	}
	return nil
}

func TestDicomScuExporterFailsWhenDestinationNotConfigured(t *testing.T) {
	lookup := fakeDestinationLookup{err: errors.New("not found")}
	scu := &fakeScuSender{}
	exp := NewDicomScuExporter("dest-1", lookup.lookup, scu, 3)

	err := exp.Export(context.Background(), model.OutputJob{}, nil)
	require.Error(t, err, "expected an error when the destination is not configured")
	assert.Zero(t, scu.calls, "Send must not be called when the destination lookup fails")
}

func TestDicomScuExporterRetriesThenSucceeds(t *testing.T) {
	lookup := fakeDestinationLookup{dest: model.DestinationApplicationEntity{AeTitle: "DEST1", Host: "pacs.example", Port: 104}}
	scu := &fakeScuSender{failuresBeforeSuccess: 2}
	exp := NewDicomScuExporter("dest-1", lookup.lookup, scu, 3)

	err := exp.Export(context.Background(), model.OutputJob{Files: []string{"a.dcm"}}, map[string]string{"a.dcm": "/tmp/a.dcm"})
	require.NoError(t, err)
	assert.Equal(t, 3, scu.calls, "expected two failures then a success")
}

func TestDicomScuExporterFailsAfterExhaustingRetries(t *testing.T) {
	lookup := fakeDestinationLookup{dest: model.DestinationApplicationEntity{AeTitle: "DEST1", Host: "pacs.example", Port: 104}}
	scu := &fakeScuSender{failuresBeforeSuccess: 100}
	exp := NewDicomScuExporter("dest-1", lookup.lookup, scu, 3)

	err := exp.Export(context.Background(), model.OutputJob{Files: []string{"a.dcm"}}, map[string]string{"a.dcm": "/tmp/a.dcm"})
	require.Error(t, err, "expected an error after exhausting every association attempt")
	assert.Equal(t, 3, scu.calls, "want exactly maxAssociationRetries=3")
}

func TestProcessOutputJobReportsSuccessOnlyWhenNoFilesFailed(t *testing.T) {
	srv, reported := fakeResultsPlatform(t, map[string]bool{"a.dcm": true, "b.dcm": true})
	defer srv.Close()
	exporter := &fakeExporter{}
	svc := newTestService(t, srv, exporter, 0.5)

	job := model.OutputJob{TaskID: "task-1", PayloadID: "payload-1", Files: []string{"a.dcm", "b.dcm"}}
	svc.processOutputJob(context.Background(), "task-1", job)

	assert.True(t, exporter.called, "Export must be called when every file downloaded")
	assert.True(t, reported.Success, "want a successful report when no file failed")
	assert.False(t, reported.Retriable)
}

func TestProcessOutputJobWithinThresholdReportsRetriableFailureNotSuccess(t *testing.T) {
	// Only one of two files downloads; the 50% failure rate is within the
	// configured 0.6 threshold, so the task is retriable rather than
	// dropped outright, but it must never be reported successful while a
	// file is missing.
	srv, reported := fakeResultsPlatform(t, map[string]bool{"a.dcm": true})
	defer srv.Close()
	exporter := &fakeExporter{}
	svc := newTestService(t, srv, exporter, 0.6)

	job := model.OutputJob{TaskID: "task-1", PayloadID: "payload-1", Files: []string{"a.dcm", "b.dcm"}}
	svc.processOutputJob(context.Background(), "task-1", job)

	assert.False(t, exporter.called, "Export must not run over an incomplete file set")
	assert.False(t, reported.Success, "a task missing files must never be reported successful")
	assert.True(t, reported.Retriable, "failure is within threshold so it must be retriable")
}

func TestProcessOutputJobOverThresholdReportsPermanentFailure(t *testing.T) {
	srv, reported := fakeResultsPlatform(t, map[string]bool{})
	defer srv.Close()
	exporter := &fakeExporter{}
	svc := newTestService(t, srv, exporter, 0.1)

	job := model.OutputJob{TaskID: "task-1", PayloadID: "payload-1", Files: []string{"a.dcm", "b.dcm"}}
	svc.processOutputJob(context.Background(), "task-1", job)

	assert.False(t, exporter.called)
	assert.False(t, reported.Success)
	assert.False(t, reported.Retriable, "failure rate exceeds threshold so it must be permanent, not retriable")
}
