package runner

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StatusRunning = "Running test... this may take a few seconds."
	StatusDone    = "Test completed."
	StatusFailed  = "Error running the test."

	maxBodySize = 1 << 20
)

// MeasurementError is the only error a Runner produces. It goes to the diagnostic channel, never to the caller.
type MeasurementError struct {
	Seq uint64
	Err error
}

func (e *MeasurementError) Error() string {
	return "measurement request failed: " + e.Err.Error()
}

func (e *MeasurementError) Cause() error  { return e.Err }
func (e *MeasurementError) Unwrap() error { return e.Err }

type StatusError struct {
	Code   int
	Status string
}

func (e StatusError) Error() string {
	return "unexpected status " + e.Status
}

// Runner triggers a measurement on a remote endpoint and renders it into a View.
//
// Every invocation takes a sequence number. Only the latest invocation may
// update the view when it completes; older completions are logged and dropped.
type Runner struct {
	// Client and Capture may be replaced before the first invocation.
	Client  *http.Client
	Capture func(err error)

	endpoint string
	view     View
	log      logrus.FieldLogger

	lock   sync.Mutex
	latest uint64
}

// New returns a Runner for the endpoint at base (scheme://host[:port][/prefix]).
func New(base string, view View, log logrus.FieldLogger) (*Runner, error) {
	if err := view.validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parse endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("endpoint %q: scheme must be http or https", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + common.RunPath
	u.RawQuery = ""
	u.Fragment = ""

	return &Runner{
		Client: http.DefaultClient,
		Capture: func(err error) {
			sentry.CaptureException(err)
		},
		endpoint: u.String(),
		view:     view,
		log:      log,
	}, nil
}

func (r *Runner) Endpoint() string {
	return r.endpoint
}

// Run performs one invocation and returns when it has completed.
func (r *Runner) Run(ctx context.Context) {
	seq := r.begin()
	r.finish(ctx, seq)
}

// Trigger updates the view synchronously, then completes the invocation in the background.
// The returned channel is closed once the invocation has completed.
func (r *Runner) Trigger(ctx context.Context) <-chan struct{} {
	seq := r.begin()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.finish(ctx, seq)
	}()

	return done
}

func (r *Runner) begin() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.latest++

	r.view.Status.SetText(StatusRunning)
	r.view.Results.SetVisible(false)

	return r.latest
}

func (r *Runner) finish(ctx context.Context, seq uint64) {
	m, err := r.fetch(ctx)

	log := r.log.WithField("seq", seq)

	applied, latest := r.apply(seq, m, err)
	if !applied {
		entry := log.WithField("latest", latest)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("stale measurement discarded")
		return
	}

	if err != nil {
		merr := &MeasurementError{seq, err}
		log.WithError(err).Error("measurement request failed")
		r.Capture(merr)
		return
	}

	log.WithFields(logrus.Fields{
		"download": m.Download.String(),
		"upload":   m.Upload.String(),
		"ping":     m.Ping.String(),
	}).Debug("measurement rendered")
}

// apply renders the outcome if seq is still the latest invocation.
func (r *Runner) apply(seq uint64, m *Measurement, err error) (bool, uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if seq != r.latest {
		return false, r.latest
	}

	if err != nil {
		r.view.Status.SetText(StatusFailed)
		return true, r.latest
	}

	r.view.Download.SetText(m.Download.String())
	r.view.Upload.SetText(m.Upload.String())
	r.view.Ping.SetText(m.Ping.String())
	r.view.Results.SetVisible(true)
	r.view.Status.SetText(StatusDone)

	return true, r.latest
}

func (r *Runner) fetch(ctx context.Context) (*Measurement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	res, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		io.Copy(ioutil.Discard, io.LimitReader(res.Body, maxBodySize))
		return nil, StatusError{res.StatusCode, res.Status}
	}

	body, err := ioutil.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	return Decode(body)
}
