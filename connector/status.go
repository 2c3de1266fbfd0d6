package connector

import (
	"strings"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

func hasError(code string) bool {
	return code != "" && code != string(core.NoError)
}

// inputs is the minimal, tick-scoped snapshot status inference consults. It
// exists so inferStatus is a pure function: easy to test in isolation and
// impossible to accidentally couple to Connector's mutable fields.
type inputs struct {
	errorCode        string
	inoperative      bool
	reserved         bool
	txRunning        bool
	evRequestsEnergy bool
	connectorEnergized bool
	connectorPlugged bool
	stopPending      bool
	occupied         bool
	idTagPresented   bool
}

// inferStatus implements the priority ladder from SPEC_FULL.md §4.2: first
// match wins.
func inferStatus(in inputs) core.ChargePointStatus {
	if hasError(in.errorCode) {
		return core.ChargePointStatusFaulted
	}
	if in.inoperative && !in.txRunning {
		return core.ChargePointStatusUnavailable
	}
	if in.reserved {
		return core.ChargePointStatusReserved
	}
	if in.txRunning {
		switch {
		case in.evRequestsEnergy && in.connectorEnergized:
			return core.ChargePointStatusCharging
		case !in.evRequestsEnergy && in.connectorPlugged:
			return core.ChargePointStatusSuspendedEV
		case !in.connectorEnergized:
			return core.ChargePointStatusSuspendedEVSE
		case in.stopPending:
			return core.ChargePointStatusFinishing
		}
	}
	if in.connectorPlugged || in.occupied || in.idTagPresented {
		return core.ChargePointStatusPreparing
	}
	return core.ChargePointStatusAvailable
}

// errorCodeOrDefault normalizes a sampler's raw output to the canonical
// "NoError" sentinel.
func errorCodeOrDefault(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return string(core.NoError)
	}
	return trimmed
}
