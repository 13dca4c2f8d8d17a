package common

import (
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const RunPath = "/run-speedtest"

// SetupLog configures the package level logrus logger. verbose enables debug output and gin's debug mode.
func SetupLog(verbose bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}
}

// SetupSentry is a no-op for an empty dsn; CaptureException stays safe to call either way.
func SetupSentry(dsn string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn: dsn,
		HTTPClient: &http.Client{
			Transport: &http.Transport{},
		},
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// Capture records err on the diagnostic channel.
func Capture(log logrus.FieldLogger, err error, msg string) {
	log.WithError(err).Error(msg)
	sentry.CaptureException(err)
}
