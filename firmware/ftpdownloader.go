package firmware

import (
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"
)

// FileWriter receives a firmware image in chunks as it streams off the wire;
// returning an error aborts the download and marks it failed.
type FileWriter interface {
	Write(buf []byte) (int, error)
	Close() error
}

// FTPDownloader implements Downloader by streaming an ftp:// location into a
// FileWriter on a dedicated background goroutine. Download itself never
// blocks: the first call for a given location starts the transfer and
// reports DownloadNotDownloaded immediately; every call thereafter reports
// the transfer's current status until it reaches a terminal state, so
// Service.Loop can poll it straight from the tick goroutine without ever
// blocking the rest of the model's connectors.
type FTPDownloader struct {
	log         *logrus.Entry
	dialTimeout time.Duration
	newWriter   func(location string) (FileWriter, error)

	mu               sync.Mutex
	location         string
	generation       int
	status           DownloadStatus
	consumedTerminal bool
}

// NewFTPDownloader returns a downloader that opens a fresh FileWriter (via
// newWriter) for each download attempt.
func NewFTPDownloader(dialTimeout time.Duration, newWriter func(location string) (FileWriter, error)) *FTPDownloader {
	return &FTPDownloader{
		log:         logrus.WithField("component", "firmware.FTPDownloader"),
		dialTimeout: dialTimeout,
		newWriter:   newWriter,
		status:      DownloadNotDownloaded,
	}
}

// Download starts the transfer on its first call for location and returns
// immediately; subsequent calls report progress until DownloadDownloaded or
// DownloadFailed is returned exactly once. Any call after that terminal
// status has already been observed starts a fresh attempt, which is how
// Service's retry policy re-enters Downloading after a failure.
func (d *FTPDownloader) Download(location string) DownloadStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	newAttempt := d.location != location || (isTerminal(d.status) && d.consumedTerminal)
	if newAttempt {
		d.location = location
		d.generation++
		d.status = DownloadNotDownloaded
		d.consumedTerminal = false
		gen := d.generation
		go d.run(location, gen)
		return DownloadNotDownloaded
	}
	if isTerminal(d.status) {
		d.consumedTerminal = true
	}
	return d.status
}

func isTerminal(s DownloadStatus) bool {
	return s == DownloadDownloaded || s == DownloadFailed
}

func (d *FTPDownloader) run(location string, generation int) {
	status := d.transfer(location)
	d.mu.Lock()
	if d.generation == generation {
		d.status = status
	}
	d.mu.Unlock()
}

// transfer performs the blocking FTP exchange. It must only ever run on the
// goroutine Download spawns, never on the tick goroutine that drives
// Connector/Transaction.
func (d *FTPDownloader) transfer(location string) DownloadStatus {
	u, err := url.Parse(location)
	if err != nil {
		d.log.WithError(err).WithField("location", location).Error("invalid firmware location")
		return DownloadFailed
	}
	addr := u.Host
	if u.Port() == "" {
		addr = u.Host + ":21"
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(d.dialTimeout))
	if err != nil {
		d.log.WithError(err).WithField("addr", addr).Error("ftp dial failed")
		return DownloadFailed
	}
	defer conn.Quit()

	if u.User != nil {
		pass, _ := u.User.Password()
		if err := conn.Login(u.User.Username(), pass); err != nil {
			d.log.WithError(err).Error("ftp login failed")
			return DownloadFailed
		}
	} else {
		if err := conn.Login("anonymous", "anonymous"); err != nil {
			d.log.WithError(err).Error("ftp anonymous login failed")
			return DownloadFailed
		}
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		d.log.WithError(err).WithField("path", u.Path).Error("ftp retrieve failed")
		return DownloadFailed
	}
	defer resp.Close()

	writer, err := d.newWriter(location)
	if err != nil {
		d.log.WithError(err).Error("failed to open firmware file writer")
		return DownloadFailed
	}
	defer writer.Close()

	if _, err := io.Copy(writerAdapter{writer}, resp); err != nil {
		d.log.WithError(err).Error("ftp stream copy failed")
		return DownloadFailed
	}
	return DownloadDownloaded
}

// NewLocalFileWriter returns a newWriter func for NewFTPDownloader that
// always stages the download at destPath, truncating any previous attempt.
func NewLocalFileWriter(destPath string) func(location string) (FileWriter, error) {
	return func(location string) (FileWriter, error) {
		return os.Create(destPath)
	}
}

// writerAdapter satisfies io.Writer for a FileWriter, whose Write signature
// already matches io.Writer but is kept distinct to avoid exposing io.Writer
// (and its broader contract) in the public Downloader API.
type writerAdapter struct {
	w FileWriter
}

func (a writerAdapter) Write(p []byte) (int, error) {
	return a.w.Write(p)
}
