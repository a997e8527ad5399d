package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/cleanup"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/config"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/dicomnet"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/export"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/health"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/inferencestore"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/jobs"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/notify"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/platform"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/restapi"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/retrieval"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/scp"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

// stores bundles every persistence-backed table the gateway opens against
// one badger database, one Store[T] per entity.
type stores struct {
	db               *badger.DB
	ae               *store.Store[model.ApplicationEntity]
	destination      *store.Store[model.DestinationApplicationEntity]
	source           *store.Store[model.SourceApplicationEntity]
	inferenceRequest *store.Store[model.InferenceRequest]
	inferenceArchive *store.Store[model.InferenceRequest]
	job              *store.Store[model.InferenceJob]
}

func openStores(dbDir string) (*stores, error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open persistence layer: %w", err)
	}
	return &stores{
		db:               db,
		ae:               store.New[model.ApplicationEntity](db, "ae/"),
		destination:      store.New[model.DestinationApplicationEntity](db, "dest/"),
		source:           store.New[model.SourceApplicationEntity](db, "src/"),
		inferenceRequest: store.New[model.InferenceRequest](db, "inferreq/"),
		inferenceArchive: store.New[model.InferenceRequest](db, "inferreq-archive/"),
		job:              store.New[model.InferenceJob](db, "inferjob/"),
	}, nil
}

// noopMetadataBuilder is the default MetadataBuilder when no DICOM-aware
// builder is configured; it uploads no metadata.
type noopMetadataBuilder struct{}

func (noopMetadataBuilder) Build(ctx context.Context, job model.InferenceJob, stagedFiles []string) (map[string]string, error) {
	return nil, nil
}

// submitAdapter adapts inferencestore.Store to restapi.Submitter.
type submitAdapter struct {
	requests *inferencestore.Store
}

func (a submitAdapter) Submit(ctx context.Context, req model.InferenceRequest) error {
	return a.requests.Add(ctx, req)
}

// statusAdapter adapts inferencestore.Store + platform.JobsClient to
// restapi.StatusResolver, fusing local and platform state into one
// response.
type statusAdapter struct {
	requests *inferencestore.Store
	jobsAPI  *platform.JobsClient
}

func (a statusAdapter) Status(ctx context.Context, id string) (restapi.InferenceStatusResponse, error) {
	req, err := a.requests.StatusByTransactionID(ctx, id)
	if err != nil {
		return restapi.InferenceStatusResponse{}, err
	}
	var resp restapi.InferenceStatusResponse
	resp.Dicom.State = req.State
	resp.Dicom.Status = req.Status
	if req.JobID != "" {
		if details, err := a.jobsAPI.Status(ctx, req.JobID); err == nil {
			resp.Platform = details
		}
	}
	return resp, nil
}

func staticTokenResolver(token *secrets.Token) func(string) (*secrets.Token, error) {
	return func(string) (*secrets.Token, error) { return token, nil }
}

func runGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	registry := health.NewRegistry()
	metrics := telemetry.NewMetrics(nil)

	st, err := openStores(cfg.StorageTemporary + "/db")
	if err != nil {
		return err
	}
	defer st.db.Close()

	for _, aeCfg := range cfg.ScpAeTitles {
		ae := model.ApplicationEntity{
			Name: aeCfg.Name, AeTitle: aeCfg.AeTitle, IgnoredSopClasses: aeCfg.IgnoredSopClasses,
			OverwriteSameInstance: aeCfg.OverwriteSameInstance, ProcessorName: aeCfg.ProcessorName,
			ProcessorSettings: aeCfg.ProcessorSettings,
		}
		if _, err := st.ae.Find(ctx, ae.Name); err != nil {
			if err := st.ae.Add(ctx, ae); err != nil {
				logger.Warn("failed to bootstrap configured AE title", "name", ae.Name, "error", err)
			}
		}
	}

	storage := diskinfo.New(cfg.StorageTemporary, cfg.MinFreeBytesToStore, cfg.MinFreeBytesToRetrieve, cfg.MinFreeBytesToExport)
	bus := notify.New()
	cleanupQueue := cleanup.NewQueue(metrics)
	reclaimer := cleanup.NewReclaimer(cleanupQueue, logger, registry, "reclaimer")

	scpManager := scp.NewManager(st.ae, cfg.StorageTemporary, storage, bus, logger, metrics)
	if err := scpManager.ResetStaging(ctx); err != nil {
		logger.Warn("failed to reset SCP staging subtree", "error", err)
	}
	scpListener, err := dicomnet.NewListener(cfg.ScpAddr, scpManager.StoreHandler())
	if err != nil {
		return fmt.Errorf("bind SCP listener on %s: %w", cfg.ScpAddr, err)
	}

	placeholderToken := secrets.NewToken("")
	jobsAPI := platform.NewJobsClient(cfg.Platform.BaseURL, placeholderToken, secrets.AuthTypeBearer)
	payloadsAPI := platform.NewPayloadsClient(cfg.Platform.BaseURL, placeholderToken, secrets.AuthTypeBearer)
	resultsAPI := platform.NewResultsClient(cfg.Platform.BaseURL, placeholderToken, secrets.AuthTypeBearer)

	jobRepo := jobs.New(ctx, st.job, jobsAPI, payloadsAPI, cleanupQueue, noopMetadataBuilder{}, jobs.Config{
		ParallelUploads:     cfg.Platform.ParallelUploads,
		UploadMetadata:      cfg.Platform.UploadMetadata,
		MetadataDicomSource: cfg.Platform.MetadataDicomSource,
	}, logger, metrics)
	if err := jobRepo.ResetJobState(ctx); err != nil {
		logger.Warn("failed to reset job state on startup", "error", err)
	}

	requestStore := inferencestore.New(ctx, st.inferenceRequest, st.inferenceArchive, metrics, logger)

	retrievalSvc := retrieval.New(requestStore, jobRepo, storage, staticTokenResolver(placeholderToken), logger)

	exportSvc := export.New(export.Config{
		Agent:                       cfg.Export.Agent,
		PollFrequencyMs:             cfg.Export.PollFrequencyMs,
		MaximumNumberOfAssociations: cfg.Export.MaximumNumberOfAssociations,
		FailureThreshold:            cfg.Export.FailureThreshold,
	}, resultsAPI, payloadsAPI, storage,
		export.TaskConverter{Agent: cfg.Export.Agent},
		export.NewDicomWebExporter(requestStore.Get, staticTokenResolver(placeholderToken)),
		logger, metrics)

	router := gin.New()
	router.Use(otelgin.Middleware("clara-dicom-adapter"))
	restapi.RegisterHealthRoutes(router, registry)
	restapi.RegisterAeRoutes(router, st.ae, logger)
	restapi.RegisterDestinationRoutes(router, st.destination, logger)
	restapi.RegisterSourceRoutes(router, st.source, logger)
	restapi.RegisterInferenceRoutes(router, submitAdapter{requestStore}, statusAdapter{requestStore, jobsAPI}, logger)
	restapi.RegisterMetricsRoute(router)

	httpServer := &http.Server{Addr: cfg.RestAddr, Handler: router}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return reclaimer.Run(groupCtx) })
	group.Go(func() error { return jobRepo.Run(groupCtx, registry, "job-submission") })
	group.Go(func() error { return retrievalSvc.Run(groupCtx, registry, "data-retrieval") })
	group.Go(func() error { return exportSvc.Run(groupCtx, registry, "export") })
	group.Go(func() error {
		registry.Set("rest", health.StatusRunning)
		defer registry.Set("rest", health.StatusStopped)
		errc := make(chan error, 1)
		go func() { errc <- httpServer.ListenAndServe() }()
		select {
		case <-groupCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			registry.Set("rest", health.StatusCancelled)
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errc:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	registry.Set("scp", health.StatusRunning)
	group.Go(func() error {
		// go-netdicom's ServiceProvider exposes no Stop/Close; Run blocks for
		// the process lifetime of the listener and returns on process exit.
		scpListener.Run()
		return nil
	})

	return group.Wait()
}

func runReclaimOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStores(cfg.StorageTemporary + "/db")
	if err != nil {
		return err
	}
	defer st.db.Close()

	metrics := telemetry.NewMetrics(nil)
	registry := health.NewRegistry()
	queue := cleanup.NewQueue(metrics)
	reclaimer := cleanup.NewReclaimer(queue, logger, registry, "reclaim-once")

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return reclaimer.Run(runCtx)
}
