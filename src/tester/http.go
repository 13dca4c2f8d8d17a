package tester

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"hash"
	"io"
	"io/ioutil"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/cfg"
	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type contextKey int

const contextHost contextKey = 0

var (
	ErrNoData         = errors.New("no data transferred")
	ErrDigestMismatch = errors.New("sha256 mismatch")
	ErrNoValidURL     = errors.New("every download url failed the sha256 check")
)

// target is a server with its resolved address.
type target struct {
	server  *cfg.Server
	addr    net.IP
	latency time.Duration
}

// context pins every connection opened with it to the resolved address.
func (tg *target) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextHost, tg.addr.String())
}

func newHTTPClient(t cfg.ClientTimeout) *http.Client {
	tr := &http.Transport{
		ForceAttemptHTTP2: true,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer

			v := ctx.Value(contextHost)
			if h, ok := v.(string); ok && h != "" {
				_, port, err := net.SplitHostPort(addr)
				if err == nil {
					return d.DialContext(ctx, network, net.JoinHostPort(h, port))
				}
			}

			return d.DialContext(ctx, network, addr)
		},
	}
	t.SetTransport(tr)

	return &http.Client{
		Timeout:   t.Timeout,
		Transport: tr,
	}
}

// transfer is the outcome of one download or upload phase.
type transfer struct {
	bytes   uint64
	elapsed time.Duration
	samples []float64 // bytes/s per request
}

func (tr transfer) Mbps() float64 {
	if tr.elapsed <= 0 {
		return 0
	}
	return round(float64(tr.bytes)*8/tr.elapsed.Seconds()/1e6, 2)
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

type countingWriter struct {
	n *uint64
}

func (w countingWriter) Write(p []byte) (int, error) {
	atomic.AddUint64(w.n, uint64(len(p)))
	return len(p), nil
}

type countingReader struct {
	r io.Reader
	n *uint64
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	atomic.AddUint64(r.n, uint64(n))
	return n, err
}

// phase runs workers until size bytes moved or maxDuration elapsed. task reports bytes through the counter it is given.
// A sample failing its sha256 check is discarded, any other error stops the worker.
func (t *Tester) phase(
	ctx context.Context,
	log logrus.FieldLogger,
	workers int,
	size uint64,
	task func(ctx context.Context, counter *uint64) (float64, error),
) (transfer, error) {
	pctx := ctx
	if t.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, t.cfg.MaxDuration)
		defer cancel()
	}

	var (
		total    uint64
		lock     sync.Mutex
		samples  []float64
		firstErr error
		w        sync.WaitGroup
	)

	start := time.Now()
	for i := 0; i < workers; i++ {
		w.Add(1)
		go func() {
			defer w.Done()

			for atomic.LoadUint64(&total) < size && pctx.Err() == nil {
				bps, err := task(pctx, &total)
				if err != nil {
					if pctx.Err() != nil {
						return
					}

					if errors.Cause(err) == ErrDigestMismatch {
						common.Capture(log, err, "sample discarded")
						continue
					}

					lock.Lock()
					if firstErr == nil {
						firstErr = err
					}
					lock.Unlock()
					return
				}

				lock.Lock()
				samples = append(samples, bps)
				lock.Unlock()
			}
		}()
	}
	w.Wait()

	tr := transfer{
		bytes:   atomic.LoadUint64(&total),
		elapsed: time.Since(start),
		samples: samples,
	}

	if err := ctx.Err(); err != nil {
		return tr, err
	}
	if tr.bytes == 0 {
		if firstErr != nil {
			return tr, errors.Wrap(ErrNoData, firstErr.Error())
		}
		return tr, ErrNoData
	}
	if firstErr != nil {
		log.WithError(firstErr).Warn("phase ended early")
	}

	return tr, nil
}

// download skips a url for the rest of the phase once its body fails the sha256 check.
func (t *Tester) download(ctx context.Context, log logrus.FieldLogger, tg *target) (transfer, error) {
	var (
		lock sync.Mutex
		bad  = make(map[string]bool)
	)

	pick := func() (string, bool) {
		lock.Lock()
		defer lock.Unlock()

		urls := make([]string, 0, len(tg.server.Download))
		for u := range tg.server.Download {
			if !bad[u] {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			return "", false
		}
		return urls[rand.Intn(len(urls))], true
	}

	return t.phase(ctx, log, t.cfg.Worker.Download, t.cfg.DownloadSize, func(ctx context.Context, counter *uint64) (float64, error) {
		u, ok := pick()
		if !ok {
			return 0, ErrNoValidURL
		}
		digest := tg.server.Download[u]

		req, err := http.NewRequestWithContext(tg.context(ctx), http.MethodGet, u, nil)
		if err != nil {
			return 0, errors.Wrap(err, "new request")
		}

		start := time.Now()
		res, err := t.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer res.Body.Close()

		if res.StatusCode/100 != 2 {
			return 0, errors.Errorf("GET %s: %s", u, res.Status)
		}

		var h hash.Hash
		var n uint64
		dst := io.Writer(countingWriter{&n})
		if len(digest) > 0 {
			h = sha256.New()
			dst = io.MultiWriter(dst, h)
		}

		_, err = io.Copy(dst, res.Body)
		secs := time.Since(start).Seconds()
		if err != nil {
			return 0, err
		}

		if h != nil && !bytes.Equal(h.Sum(nil), digest) {
			lock.Lock()
			bad[u] = true
			lock.Unlock()
			return 0, errors.Wrap(ErrDigestMismatch, u)
		}

		atomic.AddUint64(counter, n)
		return float64(n) / secs, nil
	})
}

func (t *Tester) upload(ctx context.Context, log logrus.FieldLogger, tg *target) (transfer, error) {
	payload := make([]byte, t.cfg.UploadChunk)
	rand.Read(payload)

	return t.phase(ctx, log, t.cfg.Worker.Upload, t.cfg.UploadSize, func(ctx context.Context, counter *uint64) (float64, error) {
		var n uint64
		body := countingReader{bytes.NewReader(payload), &n}

		req, err := http.NewRequestWithContext(tg.context(ctx), http.MethodPost, tg.server.Upload, body)
		if err != nil {
			return 0, errors.Wrap(err, "new request")
		}
		req.ContentLength = int64(len(payload))
		req.Header.Set("Content-Type", "application/octet-stream")

		start := time.Now()
		res, err := t.client.Do(req)
		if err != nil {
			return 0, err
		}
		io.Copy(ioutil.Discard, res.Body)
		res.Body.Close()
		secs := time.Since(start).Seconds()

		if res.StatusCode/100 != 2 {
			return 0, errors.Errorf("POST %s: %s", tg.server.Upload, res.Status)
		}

		atomic.AddUint64(counter, n)
		return float64(n) / secs, nil
	})
}
