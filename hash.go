package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newHashCmd prints the download map entries of a server configuration.
func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash URL...",
		Short: "Print sha256 digests of download urls for test.servers[].download",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bfo := bufio.NewWriter(cmd.OutOrStdout())
			defer bfo.Flush()

			for _, u := range args {
				digest, size, err := hashURL(cmd.Context(), u)
				if err != nil {
					return err
				}

				logrus.WithFields(logrus.Fields{
					"url":  u,
					"size": humanize.IBytes(size),
				}).Info("hashed")

				fmt.Fprintf(bfo, "\"%s\": \"%s\",\n", u, hex.EncodeToString(digest))
			}

			return nil
		},
	}
}

func hashURL(ctx context.Context, u string) ([]byte, uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "request %s", u)
	}

	hres, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "get %s", u)
	}
	defer hres.Body.Close()

	if hres.StatusCode < 200 || hres.StatusCode >= 300 {
		return nil, 0, errors.Errorf("get %s: %s", u, hres.Status)
	}

	h := sha256.New()
	n, err := io.Copy(h, hres.Body)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read %s", u)
	}

	return h.Sum(nil), uint64(n), nil
}
