// Package actions implements the charge-point-side handlers for every
// inbound OCPP Call this module answers, wired onto ocpp-go's profile
// handler interfaces.
package actions

import (
	"fmt"
	"time"

	validator "gopkg.in/go-playground/validator.v9"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	fwsvc "github.com/FarafontovDmitriy/MicroOcpp/firmware"

	"github.com/FarafontovDmitriy/MicroOcpp/chargepoint"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/connector"
)

func logDefault(feature string) *logrus.Entry {
	return logrus.WithField("message", feature)
}

// Handler implements core.ChargePointHandler, firmware.ChargePointHandler,
// reservation.ChargePointHandler and remotetrigger.ChargePointHandler
// against a single chargepoint.Model.
type Handler struct {
	model     *chargepoint.Model
	cfg       *config.Store
	fw        *fwsvc.Service
	validator *validator.Validate

	unlockPollTimeout  time.Duration
	unlockPollInterval time.Duration
}

// New returns a Handler driving model, cfg and fw.
//
// validate uses ocpp-go's own types.Validate rather than a bare
// validator.New(): requests like ChangeAvailabilityRequest.Type,
// ResetRequest.Type and TriggerMessageRequest.RequestedMessage carry
// custom validator tags (availabilityType, resetType, messageTrigger)
// that only types.Validate has registered. A fresh instance panics the
// first time it builds the struct cache for one of those types.
func New(model *chargepoint.Model, cfg *config.Store, fw *fwsvc.Service) *Handler {
	return &Handler{
		model:              model,
		cfg:                cfg,
		fw:                 fw,
		validator:          types.Validate,
		unlockPollTimeout:  5 * time.Second,
		unlockPollInterval: 200 * time.Millisecond,
	}
}

func (h *Handler) connectorOrError(id int) (*connector.Connector, error) {
	c, ok := h.model.Connector(id)
	if !ok {
		return nil, fmt.Errorf("actions: unknown connector %d", id)
	}
	return c, nil
}

// validate rejects a malformed inbound payload the same way the teacher's
// Validator.Struct(request) gate does on every unmarshaled Call, before any
// handler logic runs.
func (h *Handler) validate(request interface{}) error {
	if err := h.validator.Struct(request); err != nil {
		return fmt.Errorf("actions: invalid payload: %w", err)
	}
	return nil
}

// --- core.ChargePointHandler ---

func (h *Handler) OnChangeAvailability(request *core.ChangeAvailabilityRequest) (*core.ChangeAvailabilityConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.ChangeAvailabilityFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	c, err := h.connectorOrError(request.ConnectorId)
	if err != nil {
		return core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusRejected), nil
	}
	status := c.SetAvailability(request.Type == core.AvailabilityTypeOperative)
	logDefault(core.ChangeAvailabilityFeatureName).WithFields(logrus.Fields{
		"connectorId": request.ConnectorId, "type": request.Type, "status": status,
	}).Info("handled ChangeAvailability")
	return core.NewChangeAvailabilityConfirmation(status), nil
}

func (h *Handler) OnChangeConfiguration(request *core.ChangeConfigurationRequest) (*core.ChangeConfigurationConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.ChangeConfigurationFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	entry, readonly, ok := h.cfg.Entry(request.Key)
	if !ok {
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusNotSupported), nil
	}
	if readonly {
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
	}
	var candidate config.Value
	switch entry.Kind() {
	case config.KindBool:
		candidate = config.BoolValue(request.Value == "true")
	case config.KindInt:
		var i int
		if _, err := fmt.Sscanf(request.Value, "%d", &i); err != nil {
			return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
		}
		candidate = config.IntValue(i)
	default:
		candidate = config.StringValue(request.Value)
	}
	if err := h.cfg.Set(request.Key, candidate); err != nil {
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
	}
	if err := h.cfg.Save(); err != nil {
		logDefault(core.ChangeConfigurationFeatureName).WithError(err).Error("failed to persist configuration")
	}
	if readonlyRequiresReboot(request.Key) {
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRebootRequired), nil
	}
	return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusAccepted), nil
}

func readonlyRequiresReboot(key string) bool {
	return key == config.KeyNumberOfConnectors
}

func (h *Handler) OnGetConfiguration(request *core.GetConfigurationRequest) (*core.GetConfigurationConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.GetConfigurationFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	keys := request.Key
	if len(keys) == 0 {
		keys = h.cfg.Keys()
	}
	var known []core.ConfigurationKey
	var unknown []string
	for _, key := range keys {
		val, readonly, ok := h.cfg.Entry(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		raw := renderValue(val)
		known = append(known, core.ConfigurationKey{Key: key, Readonly: readonly, Value: &raw})
	}
	conf := core.NewGetConfigurationConfirmation(known)
	conf.UnknownKey = unknown
	return conf, nil
}

func renderValue(v config.Value) string {
	if b, ok := v.Bool(); ok {
		if b {
			return "true"
		}
		return "false"
	}
	if i, ok := v.Int(); ok {
		return fmt.Sprintf("%d", i)
	}
	s, _ := v.String()
	return s
}

func (h *Handler) OnDataTransfer(request *core.DataTransferRequest) (*core.DataTransferConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.DataTransferFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	logDefault(core.DataTransferFeatureName).WithFields(logrus.Fields{
		"vendorId": request.VendorId, "messageId": request.MessageId,
	}).Info("received DataTransfer, no vendor extension registered")
	return core.NewDataTransferConfirmation(core.DataTransferStatusUnknownVendorId), nil
}

func (h *Handler) OnGetDiagnostics(request *firmware.GetDiagnosticsRequest) (*firmware.GetDiagnosticsConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(firmware.GetDiagnosticsFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	return firmware.NewGetDiagnosticsConfirmation(), nil
}

func (h *Handler) OnRemoteStartTransaction(request *core.RemoteStartTransactionRequest) (*core.RemoteStartTransactionConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.RemoteStartTransactionFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	connectorID := 1
	if request.ConnectorId != nil {
		connectorID = *request.ConnectorId
	}
	c, err := h.connectorOrError(connectorID)
	if err != nil {
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	if _, ok := c.BeginTransaction(request.IdTag); !ok {
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
}

func (h *Handler) OnRemoteStopTransaction(request *core.RemoteStopTransactionRequest) (*core.RemoteStopTransactionConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.RemoteStopTransactionFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	for _, c := range h.model.Connectors() {
		tx, ok := c.Transaction()
		if !ok {
			continue
		}
		id, hasID := tx.TransactionID()
		if hasID && id == request.TransactionId {
			c.EndTransaction(core.ReasonRemote)
			return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
		}
	}
	return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
}

func (h *Handler) OnClearCache(request *core.ClearCacheRequest) (*core.ClearCacheConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.ClearCacheFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	logDefault(core.ClearCacheFeatureName).Info("clear cache requested, no local authorization cache is kept")
	return core.NewClearCacheConfirmation(core.ClearCacheStatusAccepted), nil
}

func (h *Handler) OnReset(request *core.ResetRequest) (*core.ResetConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.ResetFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	reason := core.ReasonSoftReset
	if request.Type == core.ResetTypeHard {
		reason = core.ReasonHardReset
	}
	for _, c := range h.model.Connectors() {
		if c.HasRunningTransaction() {
			c.EndTransaction(reason)
		}
	}
	logDefault(core.ResetFeatureName).WithField("type", request.Type).Info("reset requested")
	return core.NewResetConfirmation(core.ResetStatusAccepted), nil
}

// OnUnlockConnector polls the connector's unlock capability within a bounded
// timeout, blocking this single call. This is a documented exception to the
// module's no-blocking rule: it runs on the goroutine ocpp-go dedicates to
// inbound Call dispatch, never on the tick goroutine that drives
// Connector.Loop/Transaction.Advance.
func (h *Handler) OnUnlockConnector(request *core.UnlockConnectorRequest) (*core.UnlockConnectorConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(core.UnlockConnectorFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	c, err := h.connectorOrError(request.ConnectorId)
	if err != nil {
		return core.NewUnlockConnectorConfirmation(core.UnlockStatusNotSupported), nil
	}
	deadline := time.Now().Add(h.unlockPollTimeout)
	for {
		result := c.Unlock()
		if result.State == connector.PollReady {
			switch result.Value {
			case connector.UnlockOutcomeUnlocked:
				return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlocked), nil
			case connector.UnlockOutcomeNotSupported:
				return core.NewUnlockConnectorConfirmation(core.UnlockStatusNotSupported), nil
			default:
				return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlockFailed), nil
			}
		}
		if time.Now().After(deadline) {
			return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlockFailed), nil
		}
		time.Sleep(h.unlockPollInterval)
	}
}

// --- firmware.ChargePointHandler ---

func (h *Handler) OnUpdateFirmware(request *firmware.UpdateFirmwareRequest) (*firmware.UpdateFirmwareConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(firmware.UpdateFirmwareFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	retries := 1
	if request.Retries != nil {
		retries = *request.Retries
	}
	retryInterval := time.Duration(0)
	if request.RetryInterval != nil {
		retryInterval = time.Duration(*request.RetryInterval) * time.Second
	}
	var retrieveDate time.Time
	if request.RetrieveDate != nil {
		retrieveDate = request.RetrieveDate.Time
	}
	h.fw.ScheduleFirmwareUpdate(request.Location, retrieveDate, retries, retryInterval)
	return firmware.NewUpdateFirmwareConfirmation(), nil
}

// --- remotetrigger.ChargePointHandler ---

func (h *Handler) OnTriggerMessage(request *remotetrigger.TriggerMessageRequest) (*remotetrigger.TriggerMessageConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(remotetrigger.TriggerMessageFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	switch request.RequestedMessage {
	case core.StatusNotificationFeatureName, core.HeartbeatFeatureName, core.MeterValuesFeatureName:
		return remotetrigger.NewTriggerMessageConfirmation(remotetrigger.TriggerMessageStatusAccepted), nil
	default:
		return remotetrigger.NewTriggerMessageConfirmation(remotetrigger.TriggerMessageStatusNotImplemented), nil
	}
}

// --- reservation.ChargePointHandler ---

func (h *Handler) OnReserveNow(request *reservation.ReserveNowRequest) (*reservation.ReserveNowConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(reservation.ReserveNowFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	c, err := h.connectorOrError(request.ConnectorId)
	if err != nil {
		return reservation.NewReserveNowConfirmation(reservation.ReservationStatusRejected), nil
	}
	if c.HasRunningTransaction() {
		return reservation.NewReserveNowConfirmation(reservation.ReservationStatusOccupied), nil
	}
	if r := c.Reservation(); r != nil {
		return reservation.NewReserveNowConfirmation(reservation.ReservationStatusOccupied), nil
	}
	c.SetReservation(&connector.Reservation{
		ReservationID: request.ReservationId,
		IdTag:         request.IdTag,
		ParentIdTag:   request.ParentIdTag,
		Expiry:        request.ExpiryDate.Time,
	})
	return reservation.NewReserveNowConfirmation(reservation.ReservationStatusAccepted), nil
}

func (h *Handler) OnCancelReservation(request *reservation.CancelReservationRequest) (*reservation.CancelReservationConfirmation, error) {
	if err := h.validate(request); err != nil {
		logDefault(reservation.CancelReservationFeatureName).WithError(err).Warn("rejecting invalid payload")
		return nil, err
	}
	for _, c := range h.model.Connectors() {
		if r := c.Reservation(); r != nil && r.ReservationID == request.ReservationId {
			c.SetReservation(nil)
			return reservation.NewCancelReservationConfirmation(reservation.CancelReservationStatusAccepted), nil
		}
	}
	return reservation.NewCancelReservationConfirmation(reservation.CancelReservationStatusRejected), nil
}
