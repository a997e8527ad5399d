// Package export implements the Export Service: it polls
// the platform's Results Service for completed jobs, downloads their
// outputs, and pushes them to a DICOMweb STOW-RS or DICOM C-STORE SCU
// destination, reporting success/failure back.
package export

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/dicomweb"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

func errPermanent(msg string) error {
	return apperrors.New(apperrors.KindPermanentTransport, errors.New(msg))
}

func errRetriable(msg string) error {
	return apperrors.New(apperrors.KindTransientTransport, errors.New(msg))
}

func newDicomWebClient(baseURI string) *dicomweb.Client {
	return dicomweb.NewClient(baseURI)
}

// Converter turns a platform TaskResponse into zero-or-more OutputJobs; an
// empty result skips the task.
type Converter interface {
	Convert(ctx context.Context, task platform.TaskResponse) ([]model.OutputJob, error)
}

// Exporter sends a converted OutputJob's downloaded files to its
// destination.
type Exporter interface {
	Export(ctx context.Context, job model.OutputJob, localPaths map[string]string) error
}

// RequestLookup resolves the InferenceRequest owning a job id, used by the
// DICOMweb variant to find its output destinations.
type RequestLookup func(ctx context.Context, jobID string) (model.InferenceRequest, error)

// Config parameterizes one Export Service instance.
type Config struct {
	Agent                      string
	PollFrequencyMs            int
	MaximumNumberOfAssociations int
	FailureThreshold           float64
}

// Service is one Export Service instance, parameterized by agent and a
// Converter/Exporter pair.
type Service struct {
	cfg       Config
	results   *platform.ResultsClient
	payloads  *platform.PayloadsClient
	storage   *diskinfo.Provider
	converter Converter
	exporter  Exporter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// New returns a Service.
func New(cfg Config, results *platform.ResultsClient, payloads *platform.PayloadsClient, storage *diskinfo.Provider, converter Converter, exporter Exporter, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		cfg: cfg, results: results, payloads: payloads, storage: storage,
		converter: converter, exporter: exporter, logger: logger, metrics: metrics,
	}
}

// Run executes the poll loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context, registry *health.Registry, name string) error {
	registry.Set(name, health.StatusRunning)
	defer registry.Set(name, health.StatusStopped)

	interval := time.Duration(s.cfg.PollFrequencyMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			registry.Set(name, health.StatusCancelled)
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs the export pipeline's five stages for one cycle.
func (s *Service) poll(ctx context.Context) {
	if !s.storage.HasSpaceAvailableForExport() {
		return
	}

	tasks, err := s.results.GetPendingJobs(ctx, s.cfg.Agent, s.cfg.MaximumNumberOfAssociations)
	if err != nil {
		s.logger.Warn("failed to query pending export tasks", "agent", s.cfg.Agent, "error", err)
		return
	}

	for _, task := range tasks {
		s.processTask(ctx, task)
	}
}

func (s *Service) processTask(ctx context.Context, task platform.TaskResponse) {
	outputJobs, err := s.converter.Convert(ctx, task)
	if err != nil {
		s.logger.Warn("export task conversion failed", "taskId", task.TaskID, "error", err)
		s.report(ctx, task.TaskID, false, true)
		return
	}
	if len(outputJobs) == 0 {
		return
	}

	for _, job := range outputJobs {
		s.processOutputJob(ctx, task.TaskID, job)
	}
}

func (s *Service) processOutputJob(ctx context.Context, taskID string, job model.OutputJob) {
	localPaths := make(map[string]string, len(job.Files))
	failures := 0

	tmpDir, err := os.MkdirTemp("", "export-"+job.TaskID)
	if err != nil {
		s.logger.Error("failed to create export scratch dir", "taskId", taskID, "error", err)
		s.report(ctx, taskID, false, true)
		return
	}
	defer os.RemoveAll(tmpDir)

	for _, uri := range job.Files {
		if !s.storage.HasSpaceAvailableForExport() {
			failures++
			continue
		}
		path, err := s.payloads.Download(ctx, job.PayloadID, uri, tmpDir)
		if err != nil {
			failures++
			continue
		}
		localPaths[uri] = path
	}

	total := job.TotalFiles()
	if total > 0 && failures > 0 {
		if float64(failures)/float64(total) > s.cfg.FailureThreshold {
			s.logger.Warn("export task exceeded failure threshold, dropping", "taskId", taskID, "failures", failures, "total", total)
			s.report(ctx, taskID, false, false)
			s.metrics.ExportTasksTotal.WithLabelValues("failure_permanent").Inc()
			return
		}
		// Within threshold but still missing files: never report success
		// for a task with incomplete output, report a retriable failure so
		// the platform re-drives the task instead of treating it as done.
		s.logger.Warn("export task missing files within failure threshold, reporting retriable failure", "taskId", taskID, "failures", failures, "total", total)
		s.report(ctx, taskID, false, true)
		s.metrics.ExportTasksTotal.WithLabelValues("failure_retriable").Inc()
		return
	}

	if err := s.exporter.Export(ctx, job, localPaths); err != nil {
		s.logger.Warn("export delivery failed", "taskId", taskID, "error", err)
		s.report(ctx, taskID, false, true)
		s.metrics.ExportTasksTotal.WithLabelValues("failure_retriable").Inc()
		return
	}

	s.report(ctx, taskID, true, false)
	s.metrics.ExportTasksTotal.WithLabelValues("success").Inc()
}

func (s *Service) report(ctx context.Context, taskID string, success, retriable bool) {
	var err error
	if success {
		err = s.results.ReportSuccess(ctx, taskID)
	} else {
		err = s.results.ReportFailure(ctx, taskID, retriable)
	}
	if err != nil {
		s.logger.Error("failed to report export task outcome", "taskId", taskID, "success", success, "error", err)
	}
}

// DicomWebExporter is the DICOMweb STOW-RS variant of Exporter.
type DicomWebExporter struct {
	lookup RequestLookup
	tokens func(authID string) (*secrets.Token, error)
}

// NewDicomWebExporter returns a DicomWebExporter resolving owning requests
// via lookup and credentials via tokens.
func NewDicomWebExporter(lookup RequestLookup, tokens func(authID string) (*secrets.Token, error)) *DicomWebExporter {
	return &DicomWebExporter{lookup: lookup, tokens: tokens}
}

func (e *DicomWebExporter) Export(ctx context.Context, job model.OutputJob, localPaths map[string]string) error {
	req, err := e.lookup(ctx, job.JobID)
	if err != nil {
		return errPermanent("no owning inference request found")
	}

	var dicomWebOutputs []model.Resource
	for _, res := range req.OutputResources {
		if res.Interface == model.InterfaceDicomWeb {
			dicomWebOutputs = append(dicomWebOutputs, res)
		}
	}
	if len(dicomWebOutputs) == 0 {
		return errPermanent("inference request has no DicomWeb output resource")
	}

	files := make([]string, 0, len(localPaths))
	for _, path := range localPaths {
		files = append(files, path)
	}

	for _, res := range dicomWebOutputs {
		token, err := e.tokens(res.ConnectionDetails.AuthID)
		if err != nil {
			return err
		}
		client := newDicomWebClient(res.ConnectionDetails.URI)
		status, err := client.StoreStudies(ctx, res.ConnectionDetails.URI, files, token, res.ConnectionDetails.AuthType)
		if err != nil {
			return err
		}
		if status != 200 {
			return errRetriable("stow-rs returned non-200 status")
		}
	}
	return nil
}

// TaskConverter is the default Converter: one TaskResponse becomes one
// OutputJob carrying its reported file URIs, with agent identifying which
// Export Service instance produced it.
type TaskConverter struct {
	Agent string
}

func (c TaskConverter) Convert(ctx context.Context, task platform.TaskResponse) ([]model.OutputJob, error) {
	if len(task.Uris) == 0 {
		return nil, nil
	}
	return []model.OutputJob{{
		TaskID:    task.TaskID,
		PayloadID: task.PayloadID,
		JobID:     task.JobID,
		Agent:     c.Agent,
		Files:     task.Uris,
	}}, nil
}

// DestinationLookup resolves a DestinationApplicationEntity by name.
type DestinationLookup func(ctx context.Context, name string) (model.DestinationApplicationEntity, error)

// ScuSender is the subset of dicomnet.SCU the DICOM SCU exporter needs.
type ScuSender interface {
	Send(ctx context.Context, calledAeTitle, host string, port int, files []string) error
}

// DicomScuExporter is the DICOM C-STORE SCU variant of Exporter.
type DicomScuExporter struct {
	destinationName string
	lookup          DestinationLookup
	scu             ScuSender
	maxRetries      int
}

// NewDicomScuExporter returns a DicomScuExporter sending to the
// destination named destinationName, with up to maxAssociationRetries
// association attempts.
func NewDicomScuExporter(destinationName string, lookup DestinationLookup, scu ScuSender, maxAssociationRetries int) *DicomScuExporter {
	return &DicomScuExporter{destinationName: destinationName, lookup: lookup, scu: scu, maxRetries: maxAssociationRetries}
}

func (e *DicomScuExporter) Export(ctx context.Context, job model.OutputJob, localPaths map[string]string) error {
	dest, err := e.lookup(ctx, e.destinationName)
	if err != nil {
		return errPermanent("export destination not configured")
	}

	files := make([]string, 0, len(localPaths))
	for _, path := range localPaths {
		files = append(files, path)
	}

	var lastErr error
	attempts := e.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = e.scu.Send(ctx, dest.AeTitle, dest.Host, dest.Port, files)
		if lastErr == nil {
			return nil
		}
	}
	return errRetriable("dicom scu association failed: " + lastErr.Error())
}
