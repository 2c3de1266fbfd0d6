package config

import "fmt"

// Standard OCPP 1.6 configuration keys this module consumes, with the
// effects documented in SPEC_FULL.md §6.
const (
	KeyMinimumStatusDuration           = "MinimumStatusDuration"
	KeyConnectionTimeOut               = "ConnectionTimeOut"
	KeyAuthorizationTimeout            = "AuthorizationTimeout"
	KeyStopTransactionOnInvalidId      = "StopTransactionOnInvalidId"
	KeyStopTransactionOnEVSideDisconnect = "StopTransactionOnEVSideDisconnect"
	KeyUnlockConnectorOnEVSideDisconnect = "UnlockConnectorOnEVSideDisconnect"
	KeyLocalPreAuthorize               = "LocalPreAuthorize"
	KeyAllowOfflineTxForUnknownId      = "AllowOfflineTxForUnknownId"
	KeySilentOfflineTransactions       = "SilentOfflineTransactions"
	KeyFreeVendActive                  = "FreeVendActive"
	KeyFreeVendIdTag                   = "FreeVendIdTag"
	KeyHeartbeatInterval               = "HeartbeatInterval"
	KeyMeterValueSampleInterval        = "MeterValueSampleInterval"
	KeyNumberOfConnectors              = "NumberOfConnectors"
)

func nonNegativeInt(v Value) error {
	i, _ := v.Int()
	if i < 0 {
		return fmt.Errorf("must be >= 0, got %d", i)
	}
	return nil
}

func idTagLength(v Value) error {
	s, _ := v.String()
	if len(s) > 20 {
		return fmt.Errorf("idTag %q exceeds 20 characters", s)
	}
	return nil
}

// DeclareDefaults registers every configuration key this module consumes
// with the defaults a freshly provisioned charge point ships with.
func DeclareDefaults(s *Store) {
	s.Declare(KeyMinimumStatusDuration, IntValue(0), false, nonNegativeInt)
	s.Declare(KeyConnectionTimeOut, IntValue(30), false, nonNegativeInt)
	s.Declare(KeyAuthorizationTimeout, IntValue(10), false, nonNegativeInt)
	s.Declare(KeyStopTransactionOnInvalidId, BoolValue(true), false, nil)
	s.Declare(KeyStopTransactionOnEVSideDisconnect, BoolValue(true), false, nil)
	s.Declare(KeyUnlockConnectorOnEVSideDisconnect, BoolValue(false), false, nil)
	s.Declare(KeyLocalPreAuthorize, BoolValue(false), false, nil)
	s.Declare(KeyAllowOfflineTxForUnknownId, BoolValue(false), false, nil)
	s.Declare(KeySilentOfflineTransactions, BoolValue(false), false, nil)
	s.Declare(KeyFreeVendActive, BoolValue(false), false, nil)
	s.Declare(KeyFreeVendIdTag, StringValue(""), false, idTagLength)
	s.Declare(KeyHeartbeatInterval, IntValue(600), false, nonNegativeInt)
	s.Declare(KeyMeterValueSampleInterval, IntValue(60), false, nonNegativeInt)
	s.Declare(KeyNumberOfConnectors, IntValue(1), true, nonNegativeInt)
}
