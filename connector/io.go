package connector

// IO groups every sampler capability a host wires into a Connector. Grouping
// them into one value (rather than individually nullable setter slots)
// avoids nil-checking closures in the hot status-inference path: unset
// fields are always filled with a constant closure by the builder, never
// left nil.
type IO struct {
	ConnectorPlugged   func() bool
	EvRequestsEnergy   func() bool
	ConnectorEnergized func() bool
	// ConnectorErrorCode returns a canonical OCPP error code; "" or "NoError"
	// means no error.
	ConnectorErrorCode func() string
	UnlockConnector    func() PollResult[UnlockOutcome]

	StartTxReady func() bool
	StopTxReady  func() bool
	Occupied     func() bool

	// MeterSampler reads the energy meter in Wh. ok is false when no meter
	// reading is currently available; Connector then skips that tick's
	// MeterValues emission rather than reporting a stale or zero reading.
	MeterSampler func() (wh int, ok bool)
}

func alwaysFalse() bool { return false }
func alwaysTrue() bool  { return true }
func noError() string   { return "NoError" }
func unlockUnsupported() PollResult[UnlockOutcome] {
	return Ready(UnlockOutcomeNotSupported)
}
func noMeterReading() (int, bool) { return 0, false }

// IOBuilder incrementally assembles an IO value, defaulting every unset
// sampler to a constant closure.
type IOBuilder struct {
	io IO
}

// NewIOBuilder returns a builder with every sampler defaulted.
func NewIOBuilder() *IOBuilder {
	return &IOBuilder{io: IO{
		ConnectorPlugged:   alwaysFalse,
		EvRequestsEnergy:   alwaysFalse,
		ConnectorEnergized: alwaysFalse,
		ConnectorErrorCode: noError,
		UnlockConnector:    unlockUnsupported,
		StartTxReady:       alwaysTrue,
		StopTxReady:        alwaysTrue,
		Occupied:           alwaysFalse,
		MeterSampler:       noMeterReading,
	}}
}

func (b *IOBuilder) WithConnectorPluggedSampler(f func() bool) *IOBuilder {
	b.io.ConnectorPlugged = f
	return b
}

func (b *IOBuilder) WithEvRequestsEnergySampler(f func() bool) *IOBuilder {
	b.io.EvRequestsEnergy = f
	return b
}

func (b *IOBuilder) WithConnectorEnergizedSampler(f func() bool) *IOBuilder {
	b.io.ConnectorEnergized = f
	return b
}

func (b *IOBuilder) WithConnectorErrorCodeSampler(f func() string) *IOBuilder {
	b.io.ConnectorErrorCode = f
	return b
}

func (b *IOBuilder) WithOnUnlockConnector(f func() PollResult[UnlockOutcome]) *IOBuilder {
	b.io.UnlockConnector = f
	return b
}

func (b *IOBuilder) WithStartTxReadyInput(f func() bool) *IOBuilder {
	b.io.StartTxReady = f
	return b
}

func (b *IOBuilder) WithStopTxReadyInput(f func() bool) *IOBuilder {
	b.io.StopTxReady = f
	return b
}

func (b *IOBuilder) WithOccupiedInput(f func() bool) *IOBuilder {
	b.io.Occupied = f
	return b
}

func (b *IOBuilder) WithMeterSampler(f func() (int, bool)) *IOBuilder {
	b.io.MeterSampler = f
	return b
}

// Build returns the assembled IO value.
func (b *IOBuilder) Build() IO {
	return b.io
}
