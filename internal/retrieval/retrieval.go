// Package retrieval implements the Data-Retrieval Service:
// it consumes inference requests, restores already-staged instances,
// fetches missing ones via DICOMweb WADO/QIDO, and on success hands the
// assembled set of instances to the Job Repository as a new InferenceJob.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/dicomweb"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
)

// InferenceStore is the subset of inferencestore.Store that the retrieval
// worker needs.
type InferenceStore interface {
	Take(ctx context.Context) (model.InferenceRequest, error)
	Update(ctx context.Context, req model.InferenceRequest, success bool) error
}

// JobRepository is the subset of jobs.Repository the retrieval worker needs.
type JobRepository interface {
	Add(ctx context.Context, job model.InferenceJob, instances []model.InstanceStorageInfo) error
}

// TokenResolver resolves a ConnectionDetails.AuthID to a sealed Token.
type TokenResolver func(authID string) (*secrets.Token, error)

// Service is the Data-Retrieval Service.
type Service struct {
	requests InferenceStore
	jobs     JobRepository
	storage  *diskinfo.Provider
	tokens   TokenResolver
	logger   *slog.Logger
}

// New returns a Service wired to requests and jobs.
func New(requests InferenceStore, jobs JobRepository, storage *diskinfo.Provider, tokens TokenResolver, logger *slog.Logger) *Service {
	return &Service{requests: requests, jobs: jobs, storage: storage, tokens: tokens, logger: logger}
}

// Run consumes inference requests until ctx is cancelled, pausing
// consumption (not rejecting already-accepted work) whenever storage
// reports no space to retrieve.
func (s *Service) Run(ctx context.Context, registry *health.Registry, name string) error {
	registry.Set(name, health.StatusRunning)
	defer registry.Set(name, health.StatusStopped)

	for {
		for !s.storage.HasSpaceAvailableToRetrieve() {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				registry.Set(name, health.StatusCancelled)
				return nil
			}
		}

		req, err := s.requests.Take(ctx)
		if err != nil {
			registry.Set(name, health.StatusCancelled)
			return nil
		}
		s.process(ctx, req)
	}
}

func (s *Service) process(ctx context.Context, req model.InferenceRequest) {
	instances, err := s.retrieve(ctx, req)
	if err != nil {
		s.logger.Warn("inference request retrieval failed", "transactionId", req.TransactionID, "error", err)
		if updateErr := s.requests.Update(ctx, req, false); updateErr != nil {
			s.logger.Error("failed to update inference request after retrieval failure", "transactionId", req.TransactionID, "error", updateErr)
		}
		return
	}

	job := model.InferenceJob{
		JobID:       req.JobID,
		PayloadID:   req.PayloadID,
		JobName:     req.TransactionID,
		Priority:    req.Priority,
		StagingPath: filepath.Join(req.StagingPath, "..", "jobs", req.JobID),
		Source:      req.TransactionID,
	}
	if err := s.jobs.Add(ctx, job, instances); err != nil {
		s.logger.Error("failed to create inference job", "transactionId", req.TransactionID, "error", err)
		if updateErr := s.requests.Update(ctx, req, false); updateErr != nil {
			s.logger.Error("failed to update inference request after job-add failure", "transactionId", req.TransactionID, "error", updateErr)
		}
		return
	}

	if err := s.requests.Update(ctx, req, true); err != nil {
		s.logger.Error("failed to mark inference request successful", "transactionId", req.TransactionID, "error", err)
	}
}

// retrieve runs the restore-then-fetch pipeline, returning the
// deduplicated set of instances obtained.
func (s *Service) retrieve(ctx context.Context, req model.InferenceRequest) ([]model.InstanceStorageInfo, error) {
	seen := make(map[string]bool)
	var instances []model.InstanceStorageInfo

	restored, err := s.restoreStaged(req.StagingPath)
	if err != nil {
		s.logger.Warn("failed to restore staged instances", "transactionId", req.TransactionID, "error", err)
	}
	for _, inst := range restored {
		if !seen[inst.SopInstanceUID] {
			seen[inst.SopInstanceUID] = true
			instances = append(instances, inst)
		}
	}

	for _, res := range req.InputResources {
		if res.Interface == model.InterfaceAlgorithm {
			continue
		}
		if !s.storage.HasSpaceAvailableToRetrieve() {
			break
		}

		fetched, err := s.retrieveResource(ctx, req, res)
		if err != nil {
			return nil, err
		}
		for _, inst := range fetched {
			if !seen[inst.SopInstanceUID] {
				seen[inst.SopInstanceUID] = true
				instances = append(instances, inst)
			}
		}
	}

	if len(instances) == 0 {
		return nil, apperrors.New(apperrors.KindInferenceRequestException, fmt.Errorf("NoInstancesRetrieved"))
	}
	return instances, nil
}

// restoreStaged finds any .dcm file already present under stagingPath,
// indexed by SOP Instance UID with duplicates dropped. DICOM header
// validation is delegated to the wire decoder; a file that exists under
// the staging path is assumed already validated by the writer that staged
// it (SCP admission or a prior retrieval attempt).
func (s *Service) restoreStaged(stagingPath string) ([]model.InstanceStorageInfo, error) {
	entries, err := os.ReadDir(stagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []model.InstanceStorageInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".dcm" {
			continue
		}
		sopUID := e.Name()[:len(e.Name())-len(".dcm")]
		out = append(out, model.InstanceStorageInfo{
			SopInstanceUID: sopUID,
			StagingPath:    filepath.Join(stagingPath, e.Name()),
		})
	}
	return out, nil
}

func (s *Service) retrieveResource(ctx context.Context, req model.InferenceRequest, res model.Resource) ([]model.InstanceStorageInfo, error) {
	if res.Interface != model.InterfaceDicomWeb {
		return nil, nil
	}

	if res.ConnectionDetails.AuthType != model.AuthTypeBasic && res.ConnectionDetails.AuthType != model.AuthTypeBearer {
		return nil, apperrors.New(apperrors.KindInferenceRequestException, fmt.Errorf("unsupported auth type %q", res.ConnectionDetails.AuthType))
	}
	token, err := s.tokens(res.ConnectionDetails.AuthID)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInferenceRequestException, err)
	}

	client := dicomweb.NewClient(res.ConnectionDetails.URI)
	destDir := filepath.Join(req.StagingPath, uuid.NewString())

	switch req.InputMetadata.Type {
	case model.InputMetadataDicomUid:
		return s.retrieveByUID(ctx, client, req.InputMetadata, destDir, token, res.ConnectionDetails.AuthType)
	case model.InputMetadataDicomPatientId:
		return s.retrieveByQidoThenWado(ctx, client, destDir, token, res.ConnectionDetails.AuthType, func() ([]dicomweb.QidoResult, error) {
			return client.QueryStudiesByPatientID(ctx, req.InputMetadata.PatientID, token, res.ConnectionDetails.AuthType)
		})
	case model.InputMetadataAccessionNumber:
		var all []model.InstanceStorageInfo
		for _, acc := range req.InputMetadata.AccessionNumbers {
			acc := acc
			fetched, err := s.retrieveByQidoThenWado(ctx, client, destDir, token, res.ConnectionDetails.AuthType, func() ([]dicomweb.QidoResult, error) {
				return client.QueryStudiesByAccessionNumber(ctx, acc, token, res.ConnectionDetails.AuthType)
			})
			if err != nil {
				return nil, err
			}
			all = append(all, fetched...)
		}
		return all, nil
	default:
		return nil, apperrors.New(apperrors.KindInferenceRequestException, fmt.Errorf("unsupported input metadata type %q", req.InputMetadata.Type))
	}
}

func (s *Service) retrieveByUID(ctx context.Context, client *dicomweb.Client, meta model.InputMetadata, destDir string, token *secrets.Token, authType model.AuthType) ([]model.InstanceStorageInfo, error) {
	if len(meta.Studies) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, fmt.Errorf("DicomUid request requires at least one study"))
	}

	var out []model.InstanceStorageInfo
	for _, study := range meta.Studies {
		if !s.storage.HasSpaceAvailableToRetrieve() {
			break
		}
		if len(study.Series) == 0 {
			saved, err := client.RetrieveStudy(ctx, study.StudyInstanceUID, destDir, token, authType)
			if err != nil {
				return nil, err
			}
			out = append(out, toInstances(saved, study.StudyInstanceUID, "")...)
			continue
		}
		for _, series := range study.Series {
			if len(series.Instances) == 0 {
				saved, err := client.RetrieveSeries(ctx, study.StudyInstanceUID, series.SeriesInstanceUID, destDir, token, authType)
				if err != nil {
					return nil, err
				}
				out = append(out, toInstances(saved, study.StudyInstanceUID, series.SeriesInstanceUID)...)
				continue
			}
			for _, instanceUID := range series.Instances {
				if !s.storage.HasSpaceAvailableToRetrieve() {
					break
				}
				saved, err := client.RetrieveInstance(ctx, study.StudyInstanceUID, series.SeriesInstanceUID, instanceUID, destDir, token, authType)
				if err != nil {
					return nil, err
				}
				out = append(out, toInstances(saved, study.StudyInstanceUID, series.SeriesInstanceUID)...)
			}
		}
	}
	return out, nil
}

func (s *Service) retrieveByQidoThenWado(ctx context.Context, client *dicomweb.Client, destDir string, token *secrets.Token, authType model.AuthType, query func() ([]dicomweb.QidoResult, error)) ([]model.InstanceStorageInfo, error) {
	results, err := query()
	if err != nil {
		return nil, err
	}
	var out []model.InstanceStorageInfo
	for _, r := range results {
		saved, err := client.RetrieveStudy(ctx, r.StudyInstanceUID, destDir, token, authType)
		if err != nil {
			return nil, err
		}
		out = append(out, toInstances(saved, r.StudyInstanceUID, "")...)
	}
	return out, nil
}

func toInstances(saved []dicomweb.SavedFile, studyUID, seriesUID string) []model.InstanceStorageInfo {
	out := make([]model.InstanceStorageInfo, 0, len(saved))
	for _, f := range saved {
		out = append(out, model.InstanceStorageInfo{
			SopInstanceUID: f.SopInstanceUID,
			StudyUID:       studyUID,
			SeriesUID:      seriesUID,
			StagingPath:    f.Path,
		})
	}
	return out
}
