package mirror

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ralt/syzygia/internal/models"
	"github.com/sirupsen/logrus"
)

// Observer receives progress of a fetch. Calls happen on the fetching
// goroutine; implementations shared between fetches must be safe for
// concurrent use.
type Observer interface {
	OnAttempt(m models.Mirror, path string, pass int)
	OnFailure(m models.Mirror, path string, pass int, err error)
	OnSuccess(m models.Mirror, path string, size int64, latency time.Duration)
	OnBackoff(path string, pass int, delay time.Duration)
}

// LogObserver reports progress through logrus
type LogObserver struct{}

func (LogObserver) OnAttempt(m models.Mirror, path string, pass int) {
	logrus.WithFields(logrus.Fields{"mirror": m.URL, "pass": pass + 1}).Debugf("Fetching %s", path)
}

func (LogObserver) OnFailure(m models.Mirror, path string, pass int, err error) {
	logrus.WithFields(logrus.Fields{"mirror": m.URL, "pass": pass + 1}).Warnf("Failed to fetch %s: %v", path, err)
}

func (LogObserver) OnSuccess(m models.Mirror, path string, size int64, latency time.Duration) {
	logrus.WithField("mirror", m.URL).Infof("Fetched %s (%s in %s)", path, humanize.IBytes(uint64(size)), latency.Round(time.Millisecond))
}

func (LogObserver) OnBackoff(path string, pass int, delay time.Duration) {
	logrus.Infof("All mirrors failed for %s, waiting %s before pass %d", path, delay, pass+1)
}
