// Package firmware drives the UpdateFirmware stage machine: download, then
// install, then post-reboot verification, reporting progress via
// FirmwareStatusNotification.
package firmware

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/sirupsen/logrus"

	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
)

// Stage is the UpdateFirmware lifecycle position, mirroring the original
// implementation's UpdateStage enum.
type Stage int

const (
	StageIdle Stage = iota
	StageAwaitDownload
	StageDownloading
	StageAfterDownload
	StageAwaitInstallation
	StageInstalling
	StageInstalled
	StageInternalError
)

// DownloadStatus is the terminal or in-progress state of a download attempt.
type DownloadStatus int

const (
	DownloadNotDownloaded DownloadStatus = iota
	DownloadDownloaded
	DownloadFailed
)

// InstallationStatus is the terminal or in-progress state of an install
// attempt.
type InstallationStatus int

const (
	InstallationNotInstalled InstallationStatus = iota
	InstallationInstalled
	InstallationFailed
)

// Downloader performs the actual firmware transfer. FTPDownloader (grounded
// on jlaffaye/ftp) is the built-in implementation; a host can supply its own.
type Downloader interface {
	// Download fetches location and reports DownloadNotDownloaded while still
	// in progress. It must never block past a single call: each invocation
	// either makes progress and returns the current status, or is retried on
	// the next call.
	Download(location string) DownloadStatus
}

// Installer applies a downloaded firmware image. Like Downloader, each call
// must be non-blocking from the caller's perspective only in the sense that
// it reports progress rather than completion; Installer implementations
// that must block (flashing a partition) are expected to run this from a
// dedicated goroutine and report through an atomic/channel-backed closure.
type Installer interface {
	Install(location string) InstallationStatus
}

// BuildNumberStore persists the build identifier and the last reported
// FirmwareStatus across a firmware-induced reboot, so Service can tell on
// the next boot whether the update actually took effect and whether
// Installed still needs reporting.
type BuildNumberStore interface {
	PreviousBuildNumber() (string, bool)
	SetPreviousBuildNumber(string) error
	LastReportedStatus() (string, bool)
	SetLastReportedStatus(string) error
}

// sender is the minimal transport capability Service needs.
type sender interface {
	SendRequestAsync(request ocpp.Request, callback func(confirmation ocpp.Response, err error)) error
}

// Service implements the UpdateFirmware OCPP operation end to end.
type Service struct {
	log *logrus.Entry
	clk clock.Clock
	cfg *config.Store
	bus *eventbus.Bus
	bns BuildNumberStore

	downloader Downloader
	installer  Installer

	buildNumber string

	stage Stage

	location      string
	retrieveDate  time.Time
	retries       int
	retryInterval time.Duration
	attemptsUsed  int
	nextInstallAt time.Time

	lastReportedStatus firmware.FirmwareStatus
	checkedSuccessful  bool
}

// NewService returns a Service reporting Idle, with buildNumber identifying
// the firmware currently running. bus may be nil, in which case
// TopicFirmwareStatus is simply never published.
func NewService(clk clock.Clock, cfg *config.Store, bus *eventbus.Bus, bns BuildNumberStore, downloader Downloader, installer Installer, buildNumber string) *Service {
	s := &Service{
		log:                logrus.WithField("component", "firmware.Service"),
		clk:                clk,
		cfg:                cfg,
		bus:                bus,
		bns:                bns,
		downloader:         downloader,
		installer:          installer,
		buildNumber:        buildNumber,
		stage:              StageIdle,
		lastReportedStatus: firmware.FirmwareStatusIdle,
	}
	if status, ok := bns.LastReportedStatus(); ok {
		s.lastReportedStatus = firmware.FirmwareStatus(status)
	}
	return s
}

// Stage returns the current lifecycle position.
func (s *Service) Stage() Stage { return s.stage }

// ScheduleFirmwareUpdate begins a new update cycle. retries <= 0 is
// normalized to 1 attempt, matching the original implementation's default.
// A schedule while a prior update is still in progress is rejected unless
// that prior update has already reached Installed or InternalError.
func (s *Service) ScheduleFirmwareUpdate(location string, retrieveDate time.Time, retries int, retryInterval time.Duration) bool {
	if s.stage != StageIdle && s.stage != StageInstalled && s.stage != StageInternalError {
		s.log.WithField("stage", s.stage).Warn("rejecting ScheduleFirmwareUpdate: update already in progress")
		return false
	}
	if retries <= 0 {
		retries = 1
	}
	s.location = location
	s.retrieveDate = retrieveDate
	s.retries = retries
	s.retryInterval = retryInterval
	s.attemptsUsed = 0
	s.nextInstallAt = time.Time{}
	s.stage = StageAwaitDownload
	s.log.WithFields(logrus.Fields{"location": location, "retrieveDate": retrieveDate}).Info("scheduled firmware update")
	return true
}

// CheckBootVerification runs once, at construction-adjacent startup: if a
// previous boot recorded a different pending build number than the one now
// running, the update is considered to have succeeded, and Installed is
// reported over client if it was not already reported before the reboot
// (e.g. the process restarted before the confirmation callback ran).
func (s *Service) CheckBootVerification(client sender) {
	if s.checkedSuccessful {
		return
	}
	s.checkedSuccessful = true
	prev, ok := s.bns.PreviousBuildNumber()
	if !ok || prev == "" {
		return
	}
	if prev != s.buildNumber {
		s.log.WithFields(logrus.Fields{"previous": prev, "current": s.buildNumber}).Info("firmware update verified after reboot")
		s.stage = StageInstalled
		s.reportStatus(s.clk.Now(), client, firmware.FirmwareStatusInstalled)
		if err := s.bns.SetPreviousBuildNumber(""); err != nil {
			s.log.WithError(err).Warn("failed to clear verified pre-install build number")
		}
	}
}

// Loop is the per-tick entry point, invoked once per scheduler tick. client
// is tick-scoped: Service never stores it. anyTransactionActive gates the
// Installing transition per SPEC_FULL.md's resolution of the install-timing
// Open Question: firmware is not installed while any connector is mid
// transaction.
func (s *Service) Loop(now time.Time, client sender, anyTransactionActive bool) {
	switch s.stage {
	case StageIdle, StageInstalled, StageInternalError:
		return
	case StageAwaitDownload:
		s.loopAwaitDownload(now, client)
	case StageDownloading:
		s.loopDownloading(now, client)
	case StageAfterDownload:
		s.loopAfterDownload(now, client, anyTransactionActive)
	case StageAwaitInstallation:
		s.loopAwaitInstallation(now, client, anyTransactionActive)
	case StageInstalling:
		s.loopInstalling(now, client)
	}
}

func (s *Service) loopAwaitDownload(now time.Time, client sender) {
	if now.Before(s.retrieveDate) {
		return
	}
	s.stage = StageDownloading
	s.reportStatus(now, client, firmware.FirmwareStatusDownloading)
}

func (s *Service) loopDownloading(now time.Time, client sender) {
	status := s.downloader.Download(s.location)
	switch status {
	case DownloadDownloaded:
		s.stage = StageAfterDownload
		s.reportStatus(now, client, firmware.FirmwareStatusDownloaded)
	case DownloadFailed:
		s.attemptsUsed++
		if s.attemptsUsed >= s.retries {
			s.stage = StageInternalError
			s.reportStatus(now, client, firmware.FirmwareStatusDownloadFailed)
			return
		}
		// Not yet exhausted: schedule a retry without reporting
		// DownloadFailed, per the "reported only on the last attempt" rule.
		s.stage = StageAwaitDownload
		s.retrieveDate = now.Add(s.retryInterval)
	case DownloadNotDownloaded:
		// still in progress, report nothing new this tick
	}
}

func (s *Service) loopAfterDownload(now time.Time, client sender, anyTransactionActive bool) {
	if anyTransactionActive {
		return
	}
	s.stage = StageAwaitInstallation
}

func (s *Service) loopAwaitInstallation(now time.Time, client sender, anyTransactionActive bool) {
	if anyTransactionActive {
		s.stage = StageAfterDownload
		return
	}
	if now.Before(s.nextInstallAt) {
		return
	}
	s.stage = StageInstalling
	s.reportStatus(now, client, firmware.FirmwareStatusInstalling)
	if err := s.bns.SetPreviousBuildNumber(s.buildNumber); err != nil {
		s.log.WithError(err).Warn("failed to persist pre-install build number")
	}
}

func (s *Service) loopInstalling(now time.Time, client sender) {
	status := s.installer.Install(s.location)
	switch status {
	case InstallationInstalled:
		s.stage = StageInstalled
		s.reportStatus(now, client, firmware.FirmwareStatusInstalled)
	case InstallationFailed:
		s.attemptsUsed++
		if s.attemptsUsed >= s.retries {
			s.stage = StageInternalError
			s.reportStatus(now, client, firmware.FirmwareStatusInstallationFailed)
			return
		}
		// Not yet exhausted: retry the install itself, not the download, per
		// the same retry policy the download phase uses.
		s.stage = StageAwaitInstallation
		s.nextInstallAt = now.Add(s.retryInterval)
	case InstallationNotInstalled:
		// still in progress
	}
}

func (s *Service) reportStatus(now time.Time, client sender, status firmware.FirmwareStatus) {
	if status == s.lastReportedStatus {
		return
	}
	s.lastReportedStatus = status
	if err := s.bns.SetLastReportedStatus(string(status)); err != nil {
		s.log.WithError(err).Warn("failed to persist last reported firmware status")
	}
	req := firmware.FirmwareStatusNotificationRequest{Status: status}
	client.SendRequestAsync(&req, func(ocpp.Response, error) {})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic:  eventbus.TopicFirmwareStatus,
			Status: string(status),
			At:     now,
		})
	}
}
