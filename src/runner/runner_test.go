package runner

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{"download": 42.1, "upload": 13.3, "ping": 7}`

type captured struct {
	lock sync.Mutex
	errs []error
}

func (c *captured) capture(err error) {
	c.lock.Lock()
	c.errs = append(c.errs, err)
	c.lock.Unlock()
}

func (c *captured) all() []error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]error(nil), c.errs...)
}

func createTestRunner(t *testing.T, base string) (*Runner, *MemoryView, *captured, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	mv := new(MemoryView)
	r, err := New(base, mv.View(), log)
	require.NoError(t, err)

	c := new(captured)
	r.Capture = c.capture

	return r, mv, c, hook
}

func serveBody(t *testing.T, status int, body string) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/run-speedtest", req.URL.Path)
		assert.Equal(t, http.MethodGet, req.Method)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func assertCompleted(t *testing.T, mv *MemoryView, download, upload, ping string) {
	t.Helper()
	assert.Equal(t, StatusDone, mv.Status.Text())
	assert.True(t, mv.Results.Visible(), "results should be visible")
	assert.Equal(t, download, mv.Download.Text())
	assert.Equal(t, upload, mv.Upload.Text())
	assert.Equal(t, ping, mv.Ping.Text())
}

func assertFailed(t *testing.T, mv *MemoryView) {
	t.Helper()
	assert.Equal(t, StatusFailed, mv.Status.Text())
	assert.False(t, mv.Results.Visible(), "results should stay hidden")
}

func TestTrigger_UpdatesViewBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		io.WriteString(w, sampleBody)
	}))
	defer ts.Close()

	r, mv, _, _ := createTestRunner(t, ts.URL)
	mv.Results.SetVisible(true)
	mv.Status.SetText("previous")

	done := r.Trigger(context.Background())

	assert.Equal(t, StatusRunning, mv.Status.Text())
	assert.False(t, mv.Results.Visible())

	close(release)
	<-done

	assertCompleted(t, mv, "42.1", "13.3", "7")
}

func TestRun_Success(t *testing.T) {
	ts := serveBody(t, http.StatusOK, sampleBody)
	r, mv, c, _ := createTestRunner(t, ts.URL)

	r.Run(context.Background())

	assertCompleted(t, mv, "42.1", "13.3", "7")
	assert.Empty(t, c.all())
}

func TestRun_NetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	r, mv, c, hook := createTestRunner(t, base)

	r.Run(context.Background())

	assertFailed(t, mv)
	assert.Empty(t, mv.Download.Text())

	errs := c.all()
	require.Len(t, errs, 1)
	var merr *MeasurementError
	require.True(t, errors.As(errs[0], &merr))
	assert.Equal(t, uint64(1), merr.Seq)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestRun_NotJSON(t *testing.T) {
	ts := serveBody(t, http.StatusOK, "<html><body>Internal error</body></html>")
	r, mv, c, _ := createTestRunner(t, ts.URL)

	r.Run(context.Background())

	assertFailed(t, mv)
	assert.Len(t, c.all(), 1)
}

func TestRun_HTTPError(t *testing.T) {
	ts := serveBody(t, http.StatusInternalServerError, `{"error": "no reachable server"}`)
	r, mv, c, _ := createTestRunner(t, ts.URL)

	r.Run(context.Background())

	assertFailed(t, mv)

	errs := c.all()
	require.Len(t, errs, 1)
	se, ok := errors.Cause(errs[0]).(StatusError)
	require.True(t, ok, "cause should be a StatusError")
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestRun_SchemaMismatch(t *testing.T) {
	ts := serveBody(t, http.StatusOK, `{"download": 42.1, "upload": null, "ping": 7}`)
	r, mv, c, _ := createTestRunner(t, ts.URL)

	r.Run(context.Background())

	assertFailed(t, mv)
	assert.Empty(t, mv.Download.Text(), "no partial fields are rendered")

	errs := c.all()
	require.Len(t, errs, 1)
	assert.Equal(t, ErrSchema, errors.Cause(errs[0]))
}

func TestRun_Canceled(t *testing.T) {
	ts := serveBody(t, http.StatusOK, sampleBody)
	r, mv, c, _ := createTestRunner(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assertFailed(t, mv)
	errs := c.all()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], context.Canceled))
}

func TestRun_Idempotent(t *testing.T) {
	ts := serveBody(t, http.StatusOK, sampleBody)

	once, onceView, _, _ := createTestRunner(t, ts.URL)
	once.Run(context.Background())

	twice, twiceView, _, _ := createTestRunner(t, ts.URL)
	twice.Run(context.Background())
	twice.Run(context.Background())

	assert.Equal(t, onceView.Status.Text(), twiceView.Status.Text())
	assert.Equal(t, onceView.Results.Visible(), twiceView.Results.Visible())
	assert.Equal(t, onceView.Download.Text(), twiceView.Download.Text())
	assert.Equal(t, onceView.Upload.Text(), twiceView.Upload.Text())
	assert.Equal(t, onceView.Ping.Text(), twiceView.Ping.Text())
}

func TestRun_FailureAfterSuccessHidesResults(t *testing.T) {
	var fail int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, sampleBody)
	}))
	defer ts.Close()

	r, mv, _, _ := createTestRunner(t, ts.URL)

	r.Run(context.Background())
	assertCompleted(t, mv, "42.1", "13.3", "7")

	atomic.StoreInt32(&fail, 1)
	r.Run(context.Background())
	assertFailed(t, mv)
}

func TestRun_Verbatim(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		download string
		upload   string
		ping     string
	}{
		{"trailing zeros", `{"download": 42.10, "upload": 13.30, "ping": 7.000}`, "42.10", "13.30", "7.000"},
		{"exponent", `{"download": 1e3, "upload": -0.5, "ping": 0}`, "1e3", "-0.5", "0"},
		{"strings", `{"download": "94.12", "upload": "fast", "ping": "7 ms"}`, "94.12", "fast", "7 ms"},
		{"extra fields", `{"download": 1, "upload": 2, "ping": 3, "server": "x"}`, "1", "2", "3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := serveBody(t, http.StatusOK, tc.body)
			r, mv, _, _ := createTestRunner(t, ts.URL)

			r.Run(context.Background())

			assertCompleted(t, mv, tc.download, tc.upload, tc.ping)
		})
	}
}

// staleServer answers the first request only after release is closed; later requests answer at once.
type staleServer struct {
	*httptest.Server

	arrived chan struct{}
	release chan struct{}
	count   int32

	firstStatus int
	firstBody   string
	laterBody   string
}

func newStaleServer(t *testing.T, firstStatus int, firstBody, laterBody string) *staleServer {
	s := &staleServer{
		arrived:     make(chan struct{}),
		release:     make(chan struct{}),
		firstStatus: firstStatus,
		firstBody:   firstBody,
		laterBody:   laterBody,
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&s.count, 1) == 1 {
			close(s.arrived)
			<-s.release
			w.WriteHeader(s.firstStatus)
			io.WriteString(w, s.firstBody)
			return
		}
		io.WriteString(w, s.laterBody)
	}))
	t.Cleanup(s.Close)

	return s
}

func TestTrigger_StaleSuccessDiscarded(t *testing.T) {
	s := newStaleServer(t, http.StatusOK, `{"download": 1, "upload": 1, "ping": 1}`, sampleBody)
	r, mv, _, hook := createTestRunner(t, s.URL)

	first := r.Trigger(context.Background())
	<-s.arrived

	second := r.Trigger(context.Background())
	<-second
	assertCompleted(t, mv, "42.1", "13.3", "7")

	close(s.release)
	<-first
	assertCompleted(t, mv, "42.1", "13.3", "7")

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "stale measurement discarded" {
			found = true
			assert.Equal(t, uint64(1), e.Data["seq"])
			assert.Equal(t, uint64(2), e.Data["latest"])
		}
	}
	assert.True(t, found, "stale completion should be logged")
}

func TestTrigger_StaleFailureDiscarded(t *testing.T) {
	s := newStaleServer(t, http.StatusInternalServerError, "", sampleBody)
	r, mv, c, _ := createTestRunner(t, s.URL)

	first := r.Trigger(context.Background())
	<-s.arrived

	second := r.Trigger(context.Background())
	<-second

	close(s.release)
	<-first

	assertCompleted(t, mv, "42.1", "13.3", "7")
	assert.Empty(t, c.all(), "stale failures are not reported")
}

func TestTrigger_LatestPendingKeepsRunning(t *testing.T) {
	s := newStaleServer(t, http.StatusOK, sampleBody, sampleBody)
	r, mv, _, _ := createTestRunner(t, s.URL)

	first := r.Trigger(context.Background())
	<-s.arrived

	// a newer invocation is still pending when the first one completes
	r.begin()

	close(s.release)
	<-first

	assert.Equal(t, StatusRunning, mv.Status.Text())
	assert.False(t, mv.Results.Visible())
}

func TestNew(t *testing.T) {
	mv := new(MemoryView)
	log, _ := test.NewNullLogger()

	r, err := New("http://127.0.0.1:5000", mv.View(), log)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5000/run-speedtest", r.Endpoint())

	r, err = New("https://example.com/speed/?x=1", mv.View(), log)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/speed/run-speedtest", r.Endpoint())

	_, err = New("ftp://example.com", mv.View(), log)
	assert.Error(t, err)

	v := mv.View()
	v.Ping = nil
	_, err = New("http://127.0.0.1:5000", v, log)
	assert.Error(t, err)
}

func TestConsole(t *testing.T) {
	ts := serveBody(t, http.StatusOK, sampleBody)

	var buf bytes.Buffer
	console := NewConsole(&buf)

	log, _ := test.NewNullLogger()
	r, err := New(ts.URL, console.View(), log)
	require.NoError(t, err)

	r.Run(context.Background())

	out := buf.String()
	assert.Contains(t, out, StatusRunning)
	assert.Contains(t, out, StatusDone)
	assert.Contains(t, out, "42.1 Mbps")
	assert.Contains(t, out, "13.3 Mbps")
	assert.Contains(t, out, "7 ms")
}
