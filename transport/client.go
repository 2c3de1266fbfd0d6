// Package transport defines the OCPP message-dispatch substrate the core
// state machines talk to. The concrete WebSocket transport, JSON codec and
// wire framing are external collaborators (github.com/lorenzodonini/ocpp-go);
// this package only fixes the contract the core depends on, plus a thin
// adapter onto that library.
//
// SPEC_FULL.md §2 also names an OperationRegistry collaborator, routing
// inbound Call messages (RemoteStartTransaction, ChangeConfiguration,
// UnlockConnector, ...) to the handler registered for that action.
// ocpp-go's ChargePoint fills that role directly: it already dispatches
// every inbound action to whichever per-profile handler
// (core.ChargePointHandler, firmware.ChargePointHandler, ...) this module
// registers via SetCoreHandler/SetFirmwareManagementHandler/..., so this
// package declares no second, competing router for it.
package transport

import "github.com/lorenzodonini/ocpp-go/ocpp"

// Client sends OCPP Requests to the Central System and delivers the matching
// Confirmation (or transport/protocol error) back asynchronously, exactly
// like the teacher's central-system-side callbacks
// (`func(confirmation *core.ResetConfirmation, err error)`), just issued in
// the other direction. While offline, implementations queue the request
// rather than failing it outright, and deliver the queued callback once the
// connection resumes.
type Client interface {
	// Online reports whether the transport currently has a live connection
	// to the Central System.
	Online() bool

	// SendRequestAsync submits request for dispatch. callback fires exactly
	// once, either with the matching Confirmation or with a non-nil error
	// (protocol CallError, timeout, or abandonment). SendRequestAsync itself
	// never blocks.
	SendRequestAsync(request ocpp.Request, callback func(confirmation ocpp.Response, err error)) error
}
