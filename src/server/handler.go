package server

import (
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (s *Server) handleIndex(ctx *gin.Context) {
	atomic.AddUint64(&s.stat.index, 1)
	metricRequestsCount.WithLabelValues("/", "ok").Inc()

	ctx.Data(http.StatusOK, "text/html; charset=utf-8", s.index)
}

// handleRun answers with the result of a measurement. Requests arriving while one
// is running share it instead of starting another.
func (s *Server) handleRun(ctx *gin.Context) {
	atomic.AddUint64(&s.stat.run, 1)

	ch := s.flight.DoChan("measure", func() (interface{}, error) {
		return s.measure()
	})

	metricRunInflight.Inc()
	defer metricRunInflight.Dec()

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Request.Context().Done():
		metricRequestsCount.WithLabelValues(common.RunPath, "canceled").Inc()
		ctx.Abort()
		return
	}

	if res.Err != nil {
		metricRequestsCount.WithLabelValues(common.RunPath, "error").Inc()
		s.writeJSON(ctx, http.StatusInternalServerError, gin.H{"error": res.Err.Error()})
		return
	}

	d := res.Val.(*common.Detail)

	metricRequestsCount.WithLabelValues(common.RunPath, "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"id":     d.ID,
		"remote": ctx.ClientIP(),
		"shared": res.Shared,
	}).Debug("run")

	s.writeJSON(ctx, http.StatusOK, d.Result())
}

func (s *Server) measure() (*common.Detail, error) {
	start := time.Now()
	d, err := s.measurer.Measure(s.ctx)
	metricMeasureDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		common.Capture(s.log, err, "measure failed")
		return nil, err
	}

	metricLastResult.WithLabelValues("download").Set(d.Download)
	metricLastResult.WithLabelValues("upload").Set(d.Upload)
	metricLastResult.WithLabelValues("ping").Set(d.Ping)

	err = s.json.update(func(w io.Writer) error {
		return json.NewEncoder(w).Encode(d)
	})
	if err != nil {
		common.Capture(s.log, err, "update json cache")
	}

	return d, nil
}

func (s *Server) writeJSON(ctx *gin.Context, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		common.Capture(s.log, err, "encode response")
		ctx.Status(http.StatusInternalServerError)
		return
	}

	ctx.Data(code, "application/json; charset=utf-8", b)
}

func (s *Server) handlePanic(ctx *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}

			var brokenPipe bool
			if ne, ok := err.(*net.OpError); ok {
				if se, ok := ne.Err.(*os.SyscallError); ok {
					if strings.Contains(strings.ToLower(se.Error()), "broken pipe") || strings.Contains(strings.ToLower(se.Error()), "connection reset by peer") {
						brokenPipe = true
					}
				}
			}

			if brokenPipe {
				ctx.Error(err)
				ctx.Abort()
			} else {
				common.Capture(s.log, errors.WithStack(err), "panic")
				ctx.AbortWithStatus(http.StatusInternalServerError)
			}
		}
	}()
	ctx.Next()
}
