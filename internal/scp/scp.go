// Package scp implements the SCP Admission Path and AE-Manager:
// per-C-STORE admission against configured ApplicationEntitys,
// staging-path layout, overwrite/ignore policy, retry-save, and publish to
// the notification bus.
package scp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/dicomnet"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/diskinfo"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/notify"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/retry"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/telemetry"
)

// Manager is the AE-Manager: it owns the configured ApplicationEntity
// table and the staging root, and admits or rejects inbound C-STORE
// requests. Association identity is allocated by the dicomnet.Listener
// that drives StoreHandler, one id per association, not by Manager.
//
// # Thread Safety
//
// Admit is safe for concurrent use across associations.
type Manager struct {
	aeStore     *store.Store[model.ApplicationEntity]
	storageRoot string
	storage     *diskinfo.Provider
	bus         *notify.Bus
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewManager returns a Manager rooted at storageRoot.
func NewManager(aeStore *store.Store[model.ApplicationEntity], storageRoot string, storage *diskinfo.Provider, bus *notify.Bus, logger *slog.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		aeStore:     aeStore,
		storageRoot: storageRoot,
		storage:     storage,
		bus:         bus,
		logger:      logger,
		metrics:     metrics,
	}
}

// ResetStaging deletes the staging subtree of every configured AE title on
// startup, so prior-run artifacts never survive.
func (m *Manager) ResetStaging(ctx context.Context) error {
	aes, err := m.aeStore.List(ctx)
	if err != nil {
		return err
	}
	for _, ae := range aes {
		path := filepath.Join(m.storageRoot, ae.AeTitle)
		if err := os.RemoveAll(path); err != nil {
			return apperrors.New(apperrors.KindIOOther, err)
		}
	}
	return nil
}

// Admit is the per-C-STORE contract invoked by the dicomnet.Listener's
// StoreHandler.
func (m *Manager) Admit(ctx context.Context, calledAeTitle string, associationID uint32, sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) error {
	ctx, span := telemetry.StartSpan(ctx, "scp.store")
	defer span.End()

	ae, err := m.findByAeTitle(ctx, calledAeTitle)
	if err != nil {
		m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "rejected_ae").Inc()
		return apperrors.New(apperrors.KindAeNotConfigured, fmt.Errorf("called AE title %q not configured", calledAeTitle))
	}

	if !m.storage.HasSpaceAvailableToStore() {
		m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "rejected_storage").Inc()
		return apperrors.New(apperrors.KindInsufficientStorage, fmt.Errorf("insufficient storage to accept C-STORE"))
	}

	for _, ignored := range ae.IgnoredSopClasses {
		if ignored == sopClassUID {
			m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "ignored_sop_class").Inc()
			return nil
		}
	}

	targetPath := filepath.Join(m.storageRoot, ae.AeTitle, fmt.Sprintf("%d", associationID), sopInstanceUID+".dcm")
	if _, err := os.Stat(targetPath); err == nil && !ae.OverwriteSameInstance {
		m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "skipped_exists").Inc()
		return nil
	}

	if err := m.writeWithRetry(ctx, targetPath, data); err != nil {
		m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "failed").Inc()
		return err
	}

	m.metrics.CStoreTotal.WithLabelValues(calledAeTitle, "stored").Inc()
	m.bus.Publish(ae.AeTitle, model.InstanceStorageInfo{
		SopInstanceUID: sopInstanceUID,
		StagingPath:    targetPath,
		SourceAeTitle:  ae.AeTitle,
		AssociationID:  associationID,
	})
	return nil
}

func (m *Manager) findByAeTitle(ctx context.Context, aeTitle string) (model.ApplicationEntity, error) {
	matches, err := m.aeStore.Query(ctx, map[string]string{"aeTitle": aeTitle})
	if err != nil {
		return model.ApplicationEntity{}, err
	}
	if len(matches) == 0 {
		return model.ApplicationEntity{}, apperrors.New(apperrors.KindAeNotConfigured, fmt.Errorf("aeTitle %q", aeTitle))
	}
	return matches[0], nil
}

// writeWithRetry writes data to path, retrying up to 3 times with
// exponential 250ms/500ms/1s backoff; all failures are fatal to that store.
func (m *Manager) writeWithRetry(ctx context.Context, path string, data []byte) error {
	policy := retry.ScpWriteBackoff()
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return apperrors.New(apperrors.KindIOOther, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			if apperrors.IsDiskFull(err) {
				return apperrors.New(apperrors.KindIOFull, err)
			}
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
		return nil
	})
}

// StoreHandler adapts Admit to dicomnet.StoreHandler. The association id
// it receives is allocated once per association by the calling
// dicomnet.Listener, not per C-STORE.
func (m *Manager) StoreHandler() dicomnet.StoreHandler {
	return func(ctx context.Context, associationID uint32, callingAeTitle, calledAeTitle, sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) error {
		return m.Admit(ctx, calledAeTitle, associationID, sopClassUID, sopInstanceUID, transferSyntaxUID, data)
	}
}
