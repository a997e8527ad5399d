// Package restapi implements the gateway's inbound REST surface: inference
// submission/status, CRUD over the three ApplicationEntity tables, and
// health endpoints. Each Register* function wires its routes onto a
// gin.Engine as inline handler closures (slog + gin.H error responses).
package restapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
)

// InferenceRequestInput is the JSON body accepted by POST /inference.
type InferenceRequestInput struct {
	TransactionID    string              `json:"transactionId" binding:"required"`
	InputResources   []model.Resource    `json:"inputResources" binding:"required,min=1"`
	OutputResources  []model.Resource    `json:"outputResources"`
	InputMetadata    model.InputMetadata `json:"inputMetadata" binding:"required"`
	Priority         int                 `json:"priority"`
}

// Submitter accepts a validated InferenceRequest for asynchronous
// processing by the Data-Retrieval pipeline.
type Submitter interface {
	Submit(ctx context.Context, req model.InferenceRequest) error
}

// StatusResolver fuses a transaction id's local state with the downstream
// platform's job status.
type StatusResolver interface {
	Status(ctx context.Context, id string) (InferenceStatusResponse, error)
}

// InferenceStatusResponse is returned by GET /inference/status/{id}.
type InferenceStatusResponse struct {
	Dicom struct {
		State  model.RequestState  `json:"state"`
		Status model.RequestStatus `json:"status"`
	} `json:"dicom"`
	Platform platform.JobDetails `json:"platform"`
	Message  string              `json:"message"`
}

// inferenceAcceptedResponse is the body returned by a successful POST
// /inference; JobID/PayloadID are rendered as strfmt.UUID so clients get a
// validated UUID shape rather than a bare string.
type inferenceAcceptedResponse struct {
	TransactionID string      `json:"transactionId"`
	JobID         strfmt.UUID `json:"jobId"`
	PayloadID     strfmt.UUID `json:"payloadId"`
}

var validate = validator.New()

// RegisterInferenceRoutes wires POST /inference and GET
// /inference/status/{id}.
func RegisterInferenceRoutes(r *gin.Engine, submitter Submitter, resolver StatusResolver, logger *slog.Logger) {
	r.POST("/inference", func(c *gin.Context) {
		var input InferenceRequestInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if err := validateInferenceRequest(input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}

		req := model.InferenceRequest{
			TransactionID:    input.TransactionID,
			JobID:            uuid.NewString(),
			PayloadID:        uuid.NewString(),
			InputResources:   input.InputResources,
			OutputResources:  input.OutputResources,
			InputMetadata:    input.InputMetadata,
			Priority:         input.Priority,
		}
		if err := submitter.Submit(c.Request.Context(), req); err != nil {
			logger.Error("failed to submit inference request", "transactionId", req.TransactionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit inference request"})
			return
		}
		c.JSON(http.StatusOK, inferenceAcceptedResponse{
			TransactionID: req.TransactionID,
			JobID:         strfmt.UUID(req.JobID),
			PayloadID:     strfmt.UUID(req.PayloadID),
		})
	})

	r.GET("/inference/status/:id", func(c *gin.Context) {
		status, err := resolver.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown inference request"})
			return
		}
		c.JSON(http.StatusOK, status)
	})
}

func validateInferenceRequest(input InferenceRequestInput) error {
	var nonAlgorithm int
	for _, res := range input.InputResources {
		if res.Interface != model.InterfaceAlgorithm {
			nonAlgorithm++
		}
	}
	if nonAlgorithm == 0 {
		return fmt.Errorf("at least one non-algorithm input resource is required")
	}
	if input.InputMetadata.Type == model.InputMetadataDicomUid && len(input.InputMetadata.Studies) == 0 {
		return fmt.Errorf("DicomUid input metadata requires at least one study")
	}
	return validate.Struct(input)
}

// RegisterAeRoutes wires CRUD under /config/ae for ApplicationEntity.
func RegisterAeRoutes(r *gin.Engine, s *store.Store[model.ApplicationEntity], logger *slog.Logger) {
	registerCrud(r, "/config/ae", s, logger, func(ae model.ApplicationEntity) error {
		if len(ae.AeTitle) == 0 || len(ae.AeTitle) > 16 {
			return errAeTitleLength
		}
		return nil
	})
}

// RegisterDestinationRoutes wires CRUD under /config/destination for
// DestinationApplicationEntity.
func RegisterDestinationRoutes(r *gin.Engine, s *store.Store[model.DestinationApplicationEntity], logger *slog.Logger) {
	registerCrud(r, "/config/destination", s, logger, func(d model.DestinationApplicationEntity) error {
		if d.Port <= 0 || d.Port > 65535 {
			return errInvalidPort
		}
		if d.Host == "" {
			return errEmptyHost
		}
		return nil
	})
}

// RegisterSourceRoutes wires CRUD under /config/source for
// SourceApplicationEntity.
func RegisterSourceRoutes(r *gin.Engine, s *store.Store[model.SourceApplicationEntity], logger *slog.Logger) {
	registerCrud(r, "/config/source", s, logger, func(sae model.SourceApplicationEntity) error {
		if sae.Host == "" {
			return errEmptyHost
		}
		return nil
	})
}

// RegisterHealthRoutes wires GET /health/status and GET /health/ready
//.
func RegisterHealthRoutes(r *gin.Engine, registry *health.Registry) {
	r.GET("/health/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.Snapshot())
	})
	r.GET("/health/ready", func(c *gin.Context) {
		if registry.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "Healthy"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "Unhealthy"})
	})
}

// RegisterMetricsRoute wires GET /metrics against the default Prometheus
// registry.
func RegisterMetricsRoute(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
