// Package dicomnet wraps github.com/grailbio/go-netdicom's
// ServiceProvider/ServiceUser for the gateway's two DICOM network roles:
// the SCP admission path (inbound C-STORE) and the Export Service's SCU
// variant (outbound C-STORE). Only association setup/teardown and C-STORE
// request/response semantics are exercised here — bit-level PDU/transfer
// syntax handling is deferred entirely to go-netdicom/go-dicom.
package dicomnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-netdicom"
	"github.com/grailbio/go-netdicom/dimse"
	"github.com/grailbio/go-netdicom/sopclass"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
)

// StoreHandler is invoked for every inbound C-STORE, after AE-title
// admission. associationID is stable across every C-STORE made on the same
// association and changes only when a new association is opened. It
// returns an error to reject the instance (mapped to a non-Success DIMSE
// status); a nil error accepts it.
type StoreHandler func(ctx context.Context, associationID uint32, callingAeTitle, calledAeTitle, sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) error

// Listener is the gateway's SCP: it accepts associations on one network
// address and dispatches every C-STORE to a StoreHandler.
type Listener struct {
	provider *netdicom.ServiceProvider
	handler  StoreHandler

	mu              sync.Mutex
	nextAssociation uint32
	associations    map[netdicom.ConnectionState]uint32
}

// NewListener binds addr and routes inbound C-STORE requests to handler.
// AE-title admission
// happens inside handler, since go-netdicom negotiates the association
// before the called AE title is known to application code.
func NewListener(addr string, handler StoreHandler) (*Listener, error) {
	l := &Listener{handler: handler, associations: make(map[netdicom.ConnectionState]uint32)}
	params := netdicom.ServiceProviderParams{
		CStore: l.onCStore,
		CEcho:  func(netdicom.ConnectionState) dimse.Status { return dimse.Success },
	}
	provider, err := netdicom.NewServiceProvider(params, addr)
	if err != nil {
		return nil, apperrors.New(apperrors.KindPermanentTransport, err)
	}
	l.provider = provider
	return l, nil
}

// associationID returns the id for conn, allocating a new one the first
// time this connection is seen. go-netdicom passes the same ConnectionState
// value to every callback made within one association, so conn itself is
// the association's identity; entries are never evicted since go-netdicom
// gives this package no association-close hook to key the cleanup on.
func (l *Listener) associationID(conn netdicom.ConnectionState) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.associations[conn]; ok {
		return id
	}
	l.nextAssociation++
	id := l.nextAssociation
	l.associations[conn] = id
	return id
}

// Run serves associations until the provider is closed; grailbio's
// ServiceProvider.Run() blocks for the process lifetime of the listener.
func (l *Listener) Run() {
	l.provider.Run()
}

func (l *Listener) onCStore(
	conn netdicom.ConnectionState,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	callingAeTitle string,
	calledAeTitle string,
	data []byte,
) dimse.Status {
	assocID := l.associationID(conn)
	err := l.handler(context.Background(), assocID, callingAeTitle, calledAeTitle, sopClassUID, sopInstanceUID, transferSyntaxUID, data)
	if err != nil {
		return dimse.Status{Status: dimse.StatusNotAuthorized, ErrorComment: err.Error()}
	}
	return dimse.Success
}

// SCU opens outbound associations for the Export Service's DICOM C-STORE
// variant.
type SCU struct {
	callingAeTitle string
}

// NewSCU returns an SCU identifying itself as callingAeTitle.
func NewSCU(callingAeTitle string) *SCU {
	return &SCU{callingAeTitle: callingAeTitle}
}

// maxDicomFileBytes bounds the in-memory parse of one staged instance.
const maxDicomFileBytes = 256 * 1024 * 1024

// Send opens an association to host:port under calledAeTitle, sends every
// path in files via C-STORE, and releases the association.
func (s *SCU) Send(ctx context.Context, calledAeTitle, host string, port int, files []string) error {
	params, err := netdicom.NewServiceUserParams(calledAeTitle, s.callingAeTitle, sopclass.StorageClasses, nil)
	if err != nil {
		return apperrors.New(apperrors.KindPermanentTransport, err)
	}
	user := netdicom.NewServiceUser(params)
	defer user.Release()

	addr := fmt.Sprintf("%s:%d", host, port)
	if err := user.Connect(addr); err != nil {
		return apperrors.New(apperrors.KindTransientTransport, err)
	}

	for _, path := range files {
		ds, err := dicom.ParseFile(path, maxDicomFileBytes)
		if err != nil {
			return apperrors.New(apperrors.KindDataCorruption, err)
		}
		if err := user.CStore(ds); err != nil {
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
	}
	return nil
}
