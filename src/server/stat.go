package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	metricRequestsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedtest_requests_count",
		Help: "Total number of processed requests",
	}, []string{"path", "outcome"})

	metricRunInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speedtest_run_inflight_gauge",
		Help: "The number of /run-speedtest requests currently waiting for a measurement",
	})

	metricMeasureDurationSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "speedtest_measure_duration_seconds",
		Help: "Summarizes the time to complete a measurement (in seconds)",
		Objectives: map[float64]float64{
			0.5:  0.05,
			0.9:  0.01,
			0.99: 0.001,
		},
	})

	metricLastResult = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speedtest_last_result",
		Help: "Last measured download/upload (Mbps) and ping (ms)",
	}, []string{"kind"})
)

// stat counts requests between two stat log lines.
type stat struct {
	index uint64
	run   uint64
	json  uint64
}

func (st *stat) flush(w io.Writer, from, to time.Time) error {
	reqIndex := atomic.SwapUint64(&st.index, 0)
	reqRun := atomic.SwapUint64(&st.run, 0)
	reqJson := atomic.SwapUint64(&st.json, 0)

	_, err := fmt.Fprintf(
		w,
		"[%s - %s] index: %6d | run : %6d | json : %6d\n",
		from.Format("2006-01-02 15:04:05"),
		to.Format("2006-01-02 15:04:05"),
		reqIndex,
		reqRun,
		reqJson,
	)
	return err
}

// logWorker appends one line to path at the top of every hour until ctx is done.
func (st *stat) logWorker(ctx context.Context, path string, log logrus.FieldLogger) {
	os.MkdirAll(filepath.Dir(path), 0700)

	fs, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		common.Capture(log, err, "open stat log")
		return
	}
	defer fs.Close()

	ltime := time.Now()
	next := ltime.Truncate(time.Hour).Add(time.Hour)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		now := time.Now()
		if err := st.flush(fs, ltime, now); err != nil {
			common.Capture(log, err, "write stat log")
		}

		ltime = now
		next = next.Add(time.Hour)
	}
}
