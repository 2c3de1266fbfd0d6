package actions

import (
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	ocppfirmware "github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/FarafontovDmitriy/MicroOcpp/chargepoint"
	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/connector"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
	"github.com/FarafontovDmitriy/MicroOcpp/firmware"
	"github.com/FarafontovDmitriy/MicroOcpp/store"
)

type stubSender struct{}

func (stubSender) SendRequestAsync(request ocpp.Request, callback func(ocpp.Response, error)) error {
	switch request.(type) {
	case *core.BootNotificationRequest:
		callback(core.NewBootNotificationConfirmation(types.NewDateTime(time.Now()), 600, core.RegistrationStatusAccepted), nil)
	case *ocppfirmware.FirmwareStatusNotificationRequest:
		callback(&ocppfirmware.FirmwareStatusNotificationConfirmation{}, nil)
	default:
		callback(nil, nil)
	}
	return nil
}

type stubDownloader struct{}

func (stubDownloader) Download(string) firmware.DownloadStatus { return firmware.DownloadDownloaded }

type stubInstaller struct{}

func (stubInstaller) Install(string) firmware.InstallationStatus {
	return firmware.InstallationInstalled
}

func newTestHandler(t *testing.T) (*Handler, *chargepoint.Model) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	cfg := config.NewStore(t.TempDir() + "/config.json")
	config.DeclareDefaults(cfg)
	if err := cfg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	bus := eventbus.New()
	conn := connector.New(1, clk, cfg, fs, bus, connector.NewIOBuilder().Build())
	bns := firmware.NewFileBuildNumberStore(t.TempDir() + "/build.txt")
	fwSvc := firmware.NewService(clk, cfg, bus, bns, stubDownloader{}, stubInstaller{}, "1.0.0")
	sender := stubSender{}
	model := chargepoint.New(clk, cfg, bus, sender, []*connector.Connector{conn}, fwSvc, "Acme", "Model-X")
	model.Tick(clk.Now())
	return New(model, cfg, fwSvc), model
}

func TestHandlerChangeAvailabilityRejectsUnknownConnector(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnChangeAvailability(&core.ChangeAvailabilityRequest{ConnectorId: 99, Type: core.AvailabilityTypeOperative})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.AvailabilityStatusRejected {
		t.Fatalf("expected Rejected for unknown connector, got %v", conf.Status)
	}
}

func TestHandlerChangeAvailabilitySchedulesWhileTransactionActive(t *testing.T) {
	h, model := newTestHandler(t)
	c, _ := model.Connector(1)
	if _, ok := c.BeginTransaction("ABCDEF01"); !ok {
		t.Fatalf("expected transaction to start")
	}
	c.Transaction()

	conf, err := h.OnChangeAvailability(&core.ChangeAvailabilityRequest{ConnectorId: 1, Type: core.AvailabilityTypeInoperative})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.AvailabilityStatusScheduled {
		t.Fatalf("expected Scheduled while a transaction is active, got %v", conf.Status)
	}
}

func TestHandlerGetAndChangeConfiguration(t *testing.T) {
	h, _ := newTestHandler(t)

	changeConf, err := h.OnChangeConfiguration(&core.ChangeConfigurationRequest{Key: config.KeyHeartbeatInterval, Value: "120"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changeConf.Status != core.ConfigurationStatusAccepted {
		t.Fatalf("expected Accepted, got %v", changeConf.Status)
	}

	getConf, err := h.OnGetConfiguration(&core.GetConfigurationRequest{Key: []string{config.KeyHeartbeatInterval}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(getConf.ConfigurationKey) != 1 || getConf.ConfigurationKey[0].Value == nil || *getConf.ConfigurationKey[0].Value != "120" {
		t.Fatalf("expected the persisted value 120, got %+v", getConf.ConfigurationKey)
	}
}

func TestHandlerChangeConfigurationRejectsReadonlyKey(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnChangeConfiguration(&core.ChangeConfigurationRequest{Key: config.KeyNumberOfConnectors, Value: "4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.ConfigurationStatusRejected {
		t.Fatalf("expected Rejected for a readonly key, got %v", conf.Status)
	}
}

func TestHandlerGetConfigurationReportsUnknownKeys(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnGetConfiguration(&core.GetConfigurationRequest{Key: []string{"NotARealKey"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conf.UnknownKey) != 1 || conf.UnknownKey[0] != "NotARealKey" {
		t.Fatalf("expected NotARealKey reported unknown, got %+v", conf.UnknownKey)
	}
}

func TestHandlerRemoteStartTransactionRejectsSecondStart(t *testing.T) {
	h, model := newTestHandler(t)
	connectorID := 1

	startConf, err := h.OnRemoteStartTransaction(&core.RemoteStartTransactionRequest{ConnectorId: &connectorID, IdTag: "ABCDEF01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if startConf.Status != core.RemoteStartStopStatusAccepted {
		t.Fatalf("expected Accepted, got %v", startConf.Status)
	}

	c, _ := model.Connector(1)
	if !c.HasRunningTransaction() {
		t.Fatalf("expected a running transaction after RemoteStartTransaction")
	}

	second, err := h.OnRemoteStartTransaction(&core.RemoteStartTransactionRequest{ConnectorId: &connectorID, IdTag: "FEDCBA98"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != core.RemoteStartStopStatusRejected {
		t.Fatalf("expected Rejected while a transaction is already active, got %v", second.Status)
	}
}

func TestHandlerRemoteStopUnknownTransactionIsRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnRemoteStopTransaction(&core.RemoteStopTransactionRequest{TransactionId: 999})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.RemoteStartStopStatusRejected {
		t.Fatalf("expected Rejected for an unknown transaction id, got %v", conf.Status)
	}
}

func TestHandlerUnlockConnectorReportsOutcome(t *testing.T) {
	h, model := newTestHandler(t)
	c, _ := model.Connector(1)
	_ = c
	h.unlockPollTimeout = 50 * time.Millisecond
	h.unlockPollInterval = 5 * time.Millisecond

	conf, err := h.OnUnlockConnector(&core.UnlockConnectorRequest{ConnectorId: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.UnlockStatusNotSupported && conf.Status != core.UnlockStatusUnlocked && conf.Status != core.UnlockStatusUnlockFailed {
		t.Fatalf("unexpected unlock status %v", conf.Status)
	}
}

func TestHandlerUnlockConnectorUnknownConnector(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnUnlockConnector(&core.UnlockConnectorRequest{ConnectorId: 99})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.UnlockStatusNotSupported {
		t.Fatalf("expected NotSupported for unknown connector, got %v", conf.Status)
	}
}

func TestHandlerReserveNowAndCancel(t *testing.T) {
	h, _ := newTestHandler(t)
	reserveConf, err := h.OnReserveNow(&reservation.ReserveNowRequest{
		ConnectorId:   1,
		IdTag:         "ABCDEF01",
		ExpiryDate:    types.NewDateTime(time.Now().Add(time.Hour)),
		ReservationId: 7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reserveConf.Status != reservation.ReservationStatusAccepted {
		t.Fatalf("expected Accepted, got %v", reserveConf.Status)
	}

	cancelConf, err := h.OnCancelReservation(&reservation.CancelReservationRequest{ReservationId: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelConf.Status != reservation.CancelReservationStatusAccepted {
		t.Fatalf("expected Accepted, got %v", cancelConf.Status)
	}
}

func TestHandlerReserveNowRejectsWhenOccupied(t *testing.T) {
	h, model := newTestHandler(t)
	c, _ := model.Connector(1)
	if _, ok := c.BeginTransaction("ABCDEF01"); !ok {
		t.Fatalf("expected transaction to start")
	}

	conf, err := h.OnReserveNow(&reservation.ReserveNowRequest{
		ConnectorId:   1,
		IdTag:         "FEDCBA98",
		ExpiryDate:    types.NewDateTime(time.Now().Add(time.Hour)),
		ReservationId: 8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != reservation.ReservationStatusOccupied {
		t.Fatalf("expected Occupied, got %v", conf.Status)
	}
}

func TestHandlerUpdateFirmwareSchedules(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnUpdateFirmware(&ocppfirmware.UpdateFirmwareRequest{Location: "ftp://fw.example/a.bin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = conf
	if h.fw.Stage() != firmware.StageAwaitDownload {
		t.Fatalf("expected AwaitDownload after scheduling, got %v", h.fw.Stage())
	}
}

func TestHandlerResetStopsRunningTransactionsWithMatchingReason(t *testing.T) {
	h, model := newTestHandler(t)
	c, _ := model.Connector(1)
	tx, ok := c.BeginTransaction("ABCDEF01")
	if !ok {
		t.Fatalf("expected transaction to start")
	}

	conf, err := h.OnReset(&core.ResetRequest{Type: core.ResetTypeHard})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.ResetStatusAccepted {
		t.Fatalf("expected Accepted, got %v", conf.Status)
	}
	if !tx.HasStopReason() {
		t.Fatalf("expected a hard reset to stop the running transaction")
	}
	if reason, _ := tx.StopReason(); reason != core.ReasonHardReset {
		t.Fatalf("StopReason = %v, want HardReset", reason)
	}
}

func TestHandlerClearCacheAccepts(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnClearCache(&core.ClearCacheRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.ClearCacheStatusAccepted {
		t.Fatalf("expected Accepted, got %v", conf.Status)
	}
}

func TestHandlerDataTransferReportsUnknownVendor(t *testing.T) {
	h, _ := newTestHandler(t)
	conf, err := h.OnDataTransfer(&core.DataTransferRequest{VendorId: "com.example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != core.DataTransferStatusUnknownVendorId {
		t.Fatalf("expected UnknownVendorId, got %v", conf.Status)
	}
}
