package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/RyuaNerin/speedtest-web/src/common"
	"github.com/RyuaNerin/speedtest-web/src/server"
	"github.com/RyuaNerin/speedtest-web/src/tester"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the speed test page and /run-speedtest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			if err := common.SetupSentry(c.Sentry.Dsn); err != nil {
				return errors.Wrap(err, "sentry")
			}
			defer common.FlushSentry()

			logrus.WithFields(logrus.Fields{
				"servers":       len(c.Test.Servers),
				"ping":          c.Test.Ping.Method,
				"download_size": humanize.IBytes(c.Test.DownloadSize),
				"upload_size":   humanize.IBytes(c.Test.UploadSize),
			}).Info("serve")

			t := tester.New(c, logrus.StandardLogger())
			defer t.Close()

			s, err := server.New(c, t, logrus.StandardLogger())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return s.ListenAndServe(ctx)
		},
	}
}
