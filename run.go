package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/common"
	"github.com/RyuaNerin/speedtest-web/src/runner"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		endpoint string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one speed test against a server and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("endpoint") {
				endpoint = c.Runner.Endpoint
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = c.Runner.Timeout
			}

			if err := common.SetupSentry(c.Sentry.Dsn); err != nil {
				return errors.Wrap(err, "sentry")
			}
			defer common.FlushSentry()

			console := runner.NewConsole(cmd.OutOrStdout())

			r, err := runner.New(endpoint, console.View(), logrus.StandardLogger())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			logrus.WithField("endpoint", r.Endpoint()).Debug("run")

			// failures end up in the view and the log, never in the exit code
			r.Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "server base url (default runner.endpoint)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up after this long, 0 waits forever (default runner.timeout)")

	return cmd
}
