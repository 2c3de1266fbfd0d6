// Command chargepoint runs a single OCPP 1.6-J charge point client,
// connecting outbound to a Central System and driving its connectors,
// firmware update cycle, and heartbeat/boot cadence on a fixed tick.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/certificates"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/extendedtriggermessage"
	ocppfirmware "github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/logging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/security"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/securefirmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/lorenzodonini/ocpp-go/ws"

	"github.com/FarafontovDmitriy/MicroOcpp/actions"
	"github.com/FarafontovDmitriy/MicroOcpp/chargepoint"
	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/connector"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus/natsbridge"
	"github.com/FarafontovDmitriy/MicroOcpp/firmware"
	"github.com/FarafontovDmitriy/MicroOcpp/store"
	"github.com/FarafontovDmitriy/MicroOcpp/transport"
)

const (
	envVarChargePointID        = "CHARGE_POINT_ID"
	envVarCentralSystemURL     = "CENTRAL_SYSTEM_URL"
	envVarVendor               = "CHARGE_POINT_VENDOR"
	envVarModel                = "CHARGE_POINT_MODEL"
	envVarNumberOfConnectors   = "NUMBER_OF_CONNECTORS"
	envVarConfigPath           = "CONFIG_PATH"
	envVarTransactionStoreDir  = "TRANSACTION_STORE_DIR"
	envVarFirmwareBuildNumber  = "FIRMWARE_BUILD_NUMBER"
	envVarBuildNumberStorePath = "BUILD_NUMBER_STORE_PATH"
	envVarTickInterval         = "TICK_INTERVAL_MS"
	envVarTls                  = "TLS_ENABLED"
	envVarCaCertificate        = "CA_CERTIFICATE_PATH"
	envVarClientCertificate    = "CLIENT_CERTIFICATE_PATH"
	envVarClientCertificateKey = "CLIENT_CERTIFICATE_KEY_PATH"
	envVarNatsURL              = "NATS_URL"

	defaultTickInterval = 1 * time.Second
)

var log *logrus.Logger

// newClientEndpoint builds the same default ocppj.Client that
// ocpp16.NewChargePoint would construct internally when passed a nil
// endpoint. We build it explicitly here so that SetOnDisconnectedHandler
// and SetOnReconnectedHandler, which are only exposed on *ocppj.Client
// and not on the ocpp16.ChargePoint interface, can be wired up.
func newClientEndpoint(id string, client ws.WsClient) *ocppj.Client {
	dispatcher := ocppj.NewDefaultClientDispatcher(ocppj.NewFIFOClientQueue(0))
	return ocppj.NewClient(
		id,
		client,
		dispatcher,
		nil,
		core.Profile,
		localauth.Profile,
		ocppfirmware.Profile,
		reservation.Profile,
		remotetrigger.Profile,
		smartcharging.Profile,
		logging.Profile,
		security.Profile,
		extendedtriggermessage.Profile,
		certificates.Profile,
		securefirmware.Profile,
	)
}

func setupChargePoint(id string) (ocpp16.ChargePoint, *ocppj.Client) {
	client := ws.NewClient()
	endpoint := newClientEndpoint(id, client)
	return ocpp16.NewChargePoint(id, endpoint, client), endpoint
}

func setupTlsChargePoint(id string) (ocpp16.ChargePoint, *ocppj.Client) {
	var certPool *x509.CertPool
	caCertificate, ok := os.LookupEnv(envVarCaCertificate)
	if !ok {
		log.Infof("no %v found, using system CA pool", envVarCaCertificate)
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			log.Fatalf("couldn't get system CA pool: %v", err)
		}
		certPool = systemPool
	} else {
		certPool = x509.NewCertPool()
		data, err := os.ReadFile(caCertificate)
		if err != nil {
			log.Fatalf("couldn't read CA certificate from %v: %v", caCertificate, err)
		}
		if !certPool.AppendCertsFromPEM(data) {
			log.Fatalf("couldn't read CA certificate from %v", caCertificate)
		}
	}
	certificate, ok := os.LookupEnv(envVarClientCertificate)
	if !ok {
		log.Fatalf("no required %v found", envVarClientCertificate)
	}
	key, ok := os.LookupEnv(envVarClientCertificateKey)
	if !ok {
		log.Fatalf("no required %v found", envVarClientCertificateKey)
	}
	cert, err := tls.LoadX509KeyPair(certificate, key)
	if err != nil {
		log.Fatalf("couldn't load client certificate: %v", err)
	}
	client := ws.NewTLSClient(&tls.Config{
		RootCAs:      certPool,
		Certificates: []tls.Certificate{cert},
	})
	endpoint := newClientEndpoint(id, client)
	return ocpp16.NewChargePoint(id, endpoint, client), endpoint
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid integer for %v: %v", key, v)
	}
	return i
}

func buildConnectors(clk clock.Clock, cfg *config.Store, txStore store.TransactionStore, bus *eventbus.Bus, count int) []*connector.Connector {
	connectors := make([]*connector.Connector, 0, count)
	for i := 1; i <= count; i++ {
		connectors = append(connectors, connector.New(i, clk, cfg, txStore, bus, connector.NewIOBuilder().Build()))
	}
	return connectors
}

func main() {
	chargePointID := envOrDefault(envVarChargePointID, "CP001")

	var cp ocpp16.ChargePoint
	var endpoint *ocppj.Client
	if envOrDefault(envVarTls, "false") == "true" {
		cp, endpoint = setupTlsChargePoint(chargePointID)
	} else {
		cp, endpoint = setupChargePoint(chargePointID)
	}

	ocppj.SetLogger(log)
	ocppj.SetMessageValidation(false)

	clk := clock.Real()

	cfg := config.NewStore(envOrDefault(envVarConfigPath, "./config.json"))
	config.DeclareDefaults(cfg)
	if err := cfg.Set(config.KeyNumberOfConnectors, config.IntValue(envInt(envVarNumberOfConnectors, 1))); err != nil {
		log.WithError(err).Warn("failed to apply NUMBER_OF_CONNECTORS override before Load")
	}
	if err := cfg.Load(); err != nil {
		log.WithError(err).Warn("no persisted configuration found, starting from declared defaults")
	}

	txStore, err := store.NewFileStore(envOrDefault(envVarTransactionStoreDir, "./transactions"))
	if err != nil {
		log.Fatalf("couldn't open transaction store: %v", err)
	}

	bus := eventbus.New()
	connectors := buildConnectors(clk, cfg, txStore, bus, cfg.GetInt(config.KeyNumberOfConnectors))

	bns := firmware.NewFileBuildNumberStore(envOrDefault(envVarBuildNumberStorePath, "./firmware-build.txt"))
	firmwareStagingPath := envOrDefault("FIRMWARE_STAGING_PATH", "./firmware-staged.bin")
	downloader := firmware.NewFTPDownloader(10*time.Second, firmware.NewLocalFileWriter(firmwareStagingPath))
	installer := firmware.NoopInstaller{}
	firmwareSvc := firmware.NewService(clk, cfg, bus, bns, downloader, installer, envOrDefault(envVarFirmwareBuildNumber, "dev"))

	// QueueingClient sits between the core state machines and the raw
	// ocpp-go ChargePoint, buffering Requests submitted while the WebSocket
	// is down rather than failing them outright.
	queueClient := transport.NewQueueingClient(cp)
	endpoint.SetOnDisconnectedHandler(func(err error) {
		log.WithError(err).Warn("lost connection to central system")
		queueClient.SetOnline(false)
	})
	endpoint.SetOnReconnectedHandler(func() {
		log.Info("reconnected to central system")
		queueClient.SetOnline(true)
	})

	model := chargepoint.New(clk, cfg, bus, queueClient, connectors, firmwareSvc, envOrDefault(envVarVendor, "Acme"), envOrDefault(envVarModel, "Model-X"))
	firmwareSvc.CheckBootVerification(queueClient)

	handler := actions.New(model, cfg, firmwareSvc)
	cp.SetCoreHandler(handler)
	cp.SetFirmwareManagementHandler(handler)
	cp.SetReservationHandler(handler)
	cp.SetRemoteTriggerHandler(handler)

	var bridge *natsbridge.Bridge
	if natsURL, ok := os.LookupEnv(envVarNatsURL); ok && natsURL != "" {
		bridge = natsbridge.New(chargePointID, bus, 256)
		if err := bridge.Start(natsURL); err != nil {
			log.WithError(err).Warn("failed to start NATS bridge, continuing without it")
			bridge = nil
		} else {
			defer bridge.Stop()
		}
	}

	centralSystemURL := envOrDefault(envVarCentralSystemURL, fmt.Sprintf("ws://localhost:8887/%s", chargePointID))
	if err := cp.Start(centralSystemURL); err != nil {
		log.Fatalf("couldn't connect to central system: %v", err)
	}
	queueClient.SetOnline(true)
	log.WithField("url", centralSystemURL).Info("connected to central system")
	defer cp.Stop()

	tickInterval := defaultTickInterval
	if ms := envInt(envVarTickInterval, 0); ms > 0 {
		tickInterval = time.Duration(ms) * time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for now := range ticker.C {
		model.Tick(now)
	}
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
}
