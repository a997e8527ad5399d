// Package model defines the gateway's persisted entities and
// their store.Entity bindings (primary key + queryable labels).
package model

import "time"

// ApplicationEntity is a called AE title the SCP admission path accepts
// C-STORE associations for.
type ApplicationEntity struct {
	Name                  string            `json:"name"`
	AeTitle               string            `json:"aeTitle"`
	IgnoredSopClasses     []string          `json:"ignoredSopClasses"`
	OverwriteSameInstance bool              `json:"overwriteSameInstance"`
	ProcessorName         string            `json:"processorName"`
	ProcessorSettings     map[string]string `json:"processorSettings"`
}

func (a ApplicationEntity) StoreKey() string               { return a.Name }
func (a ApplicationEntity) StoreLabels() map[string]string { return map[string]string{"aeTitle": a.AeTitle} }

// DestinationApplicationEntity is an export-side DICOM SCU destination.
type DestinationApplicationEntity struct {
	Name    string `json:"name"`
	AeTitle string `json:"aeTitle"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

func (d DestinationApplicationEntity) StoreKey() string               { return d.Name }
func (d DestinationApplicationEntity) StoreLabels() map[string]string { return map[string]string{} }

// SourceApplicationEntity is a DICOM SCU allowed to open associations
// against this gateway's SCP.
type SourceApplicationEntity struct {
	AeTitle string `json:"aeTitle"`
	Host    string `json:"host"`
}

func (s SourceApplicationEntity) StoreKey() string               { return s.AeTitle }
func (s SourceApplicationEntity) StoreLabels() map[string]string { return map[string]string{} }

// InstanceStorageInfo describes one instance staged to disk, by either
// C-STORE or DICOMweb retrieval.
type InstanceStorageInfo struct {
	SopInstanceUID string `json:"sopInstanceUid"`
	StudyUID       string `json:"studyUid"`
	SeriesUID      string `json:"seriesUid"`
	PatientID      string `json:"patientId"`
	StagingPath    string `json:"stagingPath"`
	SourceAeTitle  string `json:"sourceAeTitle"`
	AssociationID  uint32 `json:"associationId"`
}

// InputInterface names how an InferenceRequest's input/output resource is
// reached.
type InputInterface string

const (
	InterfaceDicomWeb  InputInterface = "DicomWeb"
	InterfaceAlgorithm InputInterface = "Algorithm"
)

// InputMetadataType discriminates the union of ways an input resource names
// the data it wants retrieved.
type InputMetadataType string

const (
	InputMetadataDicomUid        InputMetadataType = "DicomUid"
	InputMetadataDicomPatientId  InputMetadataType = "DicomPatientId"
	InputMetadataAccessionNumber InputMetadataType = "AccessionNumber"
)

// AuthType is the downstream connection's credential scheme.
type AuthType string

const (
	AuthTypeBasic  AuthType = "Basic"
	AuthTypeBearer AuthType = "Bearer"
)

// ConnectionDetails describes how to reach a DICOMweb endpoint.
type ConnectionDetails struct {
	URI      string   `json:"uri"`
	AuthType AuthType `json:"authType"`
	AuthID   string   `json:"authId"`
}

// SeriesSpec names a series and, optionally, the specific instances wanted.
type SeriesSpec struct {
	SeriesInstanceUID string   `json:"seriesInstanceUid"`
	Instances         []string `json:"instances,omitempty"`
}

// StudySpec names a study and, optionally, the series wanted within it.
type StudySpec struct {
	StudyInstanceUID string       `json:"studyInstanceUid"`
	Series           []SeriesSpec `json:"series,omitempty"`
}

// InputMetadata is the typed union §3 describes for InferenceRequest.
type InputMetadata struct {
	Type              InputMetadataType `json:"type"`
	Studies           []StudySpec       `json:"studies,omitempty"`
	PatientID         string            `json:"patientId,omitempty"`
	AccessionNumbers  []string          `json:"accessionNumbers,omitempty"`
}

// Resource is one input or output resource attached to an InferenceRequest.
type Resource struct {
	Interface         InputInterface     `json:"interface"`
	ConnectionDetails ConnectionDetails  `json:"connectionDetails,omitempty"`
}

// RequestState is an InferenceRequest's queue position.
type RequestState string

const (
	RequestStateQueued    RequestState = "Queued"
	RequestStateInProcess RequestState = "InProcess"
	RequestStateCompleted RequestState = "Completed"
)

// RequestStatus is an InferenceRequest's terminal/interim outcome.
type RequestStatus string

const (
	RequestStatusNone    RequestStatus = ""
	RequestStatusSuccess RequestStatus = "Success"
	RequestStatusFail    RequestStatus = "Fail"
)

const MaxRetry = 3

// InferenceRequest is an externally submitted request for retrieval+job
// creation.
type InferenceRequest struct {
	TransactionID  string        `json:"transactionId"`
	JobID          string        `json:"jobId"`
	PayloadID      string        `json:"payloadId"`
	InputResources []Resource    `json:"inputResources"`
	OutputResources []Resource   `json:"outputResources"`
	InputMetadata  InputMetadata `json:"inputMetadata"`
	Priority       int           `json:"priority"`
	StagingPath    string        `json:"stagingPath"`
	State          RequestState  `json:"state"`
	Status         RequestStatus `json:"status"`
	TryCount       int           `json:"tryCount"`
}

func (r InferenceRequest) StoreKey() string { return r.TransactionID }
func (r InferenceRequest) StoreLabels() map[string]string {
	return map[string]string{
		"jobId":         r.JobID,
		"payloadId":     r.PayloadID,
		"transactionId": r.TransactionID,
	}
}

// JobState is an InferenceJob's position in the §4.4 state machine.
type JobState string

const (
	JobStateCreating          JobState = "Creating"
	JobStateMetadataUploading JobState = "MetadataUploading"
	JobStatePayloadUploading  JobState = "PayloadUploading"
	JobStateStarting          JobState = "Starting"
	JobStateCompleted         JobState = "Completed"
	JobStateFaulted           JobState = "Faulted"
)

// JobStatus is the outcome qualifier alongside a terminal JobState.
type JobStatus string

const (
	JobStatusNone    JobStatus = ""
	JobStatusSuccess JobStatus = "Success"
	JobStatusFail    JobStatus = "Fail"
)

// InferenceJob is the durable unit driven through Creating through
// Completed/Faulted by the Job-Submission Service.
type InferenceJob struct {
	JobID              string     `json:"jobId"`
	PayloadID          string     `json:"payloadId"`
	JobName            string     `json:"jobName"`
	PipelineID         string     `json:"pipelineId"`
	Priority           int        `json:"priority"`
	StagingPath        string     `json:"stagingPath"`
	Instances          []InstanceStorageInfo `json:"instances"`
	State              JobState   `json:"state"`
	Status             JobStatus  `json:"status"`
	TryCount           int        `json:"tryCount"`
	Source             string     `json:"source"`
	PlatformJobID      string     `json:"platformJobId"`
	PlatformPayloadID  string     `json:"platformPayloadId"`
	LastTaken          time.Time  `json:"lastTaken"`
}

func (j InferenceJob) StoreKey() string { return j.JobID }
func (j InferenceJob) StoreLabels() map[string]string {
	return map[string]string{"jobId": j.JobID, "payloadId": j.PayloadID}
}

// OutputJob is the export pipeline's per-task working unit.
type OutputJob struct {
	TaskID        string   `json:"taskId"`
	PayloadID     string   `json:"payloadId"`
	JobID         string   `json:"jobId"`
	Agent         string   `json:"agent"`
	Files         []string `json:"files"`
	SuccessCount  int      `json:"successCount"`
	FailureCount  int      `json:"failureCount"`
}

func (o OutputJob) TotalFiles() int { return len(o.Files) }
