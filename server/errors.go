package server

import (
	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/authentication"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/protocol"
)

var (
	// ErrBind is returned by Start when the listener cannot be opened.
	ErrBind = errors.New("unable to bind")
	// ErrLaneClosed is returned for commands queued on a lane that is shutting down.
	ErrLaneClosed = errors.New("execution lane closed")
	// ErrHalted is returned for commands sent to a halted context other than reload.
	ErrHalted = errors.New("context halted")
)

// errorKind maps an error onto the kind reported to clients.
func errorKind(err error) protocol.Kind {
	switch {
	case errors.Is(err, authentication.ErrAuth), errors.Is(err, authentication.ErrTooManyFailures):
		return protocol.ErrKindAuth
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.ErrKindProtocol
	case errors.Is(err, ErrHalted):
		return protocol.ErrKindHalted
	case errors.Is(err, ErrLaneClosed):
		return protocol.ErrKindShutdown
	case errors.Is(err, model.ErrModelLoad):
		return protocol.ErrKindModelLoad
	case errors.Is(err, model.ErrCorrupted):
		return protocol.ErrKindFatal
	default:
		return protocol.ErrKindExecution
	}
}
