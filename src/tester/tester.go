package tester

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/cfg"
	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrNoServer = errors.New("no reachable server")

type Tester struct {
	cfg     cfg.Test
	client  *http.Client
	res     *resolver
	pinger  Pinger
	locator *locator
	log     logrus.FieldLogger
}

func New(c *cfg.Config, log logrus.FieldLogger) *Tester {
	client := newHTTPClient(c.HTTP.Client.Timeout)

	return &Tester{
		cfg:     c.Test,
		client:  client,
		res:     newResolver(c.DNS, log),
		pinger:  newPinger(c.Test, client),
		locator: newLocator(c.Path.GeoIP2, c.Test.Whois, c.Test.Ping.Privileged),
		log:     log,
	}
}

func (t *Tester) Close() error {
	t.client.CloseIdleConnections()
	return t.locator.Close()
}

// Measure picks the closest server, then measures download and upload throughput against it.
func (t *Tester) Measure(ctx context.Context) (*common.Detail, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	defer t.client.CloseIdleConnections()

	d := &common.Detail{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
	log := t.log.WithField("id", d.ID)

	log.Debug("select start")
	tg, err := t.selectServer(ctx, log)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"server":  tg.server.Name,
		"addr":    tg.addr.String(),
		"latency": tg.latency,
	}).Debug("select done")

	d.Server = common.DetailServer{
		Name: tg.server.Name,
		Host: tg.server.Host,
		Addr: tg.addr.String(),
	}
	d.Ping = round(float64(tg.latency)/float64(time.Millisecond), 3)

	down, err := t.download(ctx, log, tg)
	if err != nil {
		return nil, errors.Wrap(err, "download")
	}
	d.Download = down.Mbps()
	d.DownloadBytes = down.bytes
	log.WithFields(logrus.Fields{
		"bytes":  humanize.IBytes(down.bytes),
		"mbps":   d.Download,
		"median": medianBps(down.samples),
	}).Debug("download done")

	up, err := t.upload(ctx, log, tg)
	if err != nil {
		return nil, errors.Wrap(err, "upload")
	}
	d.Upload = up.Mbps()
	d.UploadBytes = up.bytes
	log.WithFields(logrus.Fields{
		"bytes":  humanize.IBytes(up.bytes),
		"mbps":   d.Upload,
		"median": medianBps(up.samples),
	}).Debug("upload done")

	t.locator.annotate(ctx, log, tg.addr, &d.Server)

	d.Elapsed = time.Since(d.StartedAt)

	log.WithFields(logrus.Fields{
		"server":   d.Server.Name,
		"ping":     d.Ping,
		"download": d.Download,
		"upload":   d.Upload,
		"elapsed":  d.Elapsed,
	}).Info("measured")

	return d, nil
}

// selectServer resolves and pings every server in parallel and keeps the one with the lowest median latency.
func (t *Tester) selectServer(ctx context.Context, log logrus.FieldLogger) (*target, error) {
	var (
		lock       sync.Mutex
		candidates []*target
		w          sync.WaitGroup
	)

	w.Add(len(t.cfg.Servers))
	for _, server := range t.cfg.Servers {
		go func(server *cfg.Server) {
			defer w.Done()

			logger := log.WithField("server", server.Name)

			addr, err := t.res.Resolve(ctx, server.Host)
			if err != nil {
				logger.WithError(err).Warn("resolve failed")
				return
			}

			tg := &target{
				server: server,
				addr:   addr,
			}

			rtts, err := t.pinger.Ping(ctx, tg)
			if err != nil {
				logger.WithError(err).Warn("ping failed")
				return
			}

			tg.latency, err = medianRtt(rtts)
			if err != nil {
				logger.WithError(err).Warn("ping failed")
				return
			}

			lock.Lock()
			candidates = append(candidates, tg)
			lock.Unlock()
		}(server)
	}
	w.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoServer
	}

	sort.Slice(candidates, func(i, k int) bool { return candidates[i].latency < candidates[k].latency })

	return candidates[0], nil
}

func medianRtt(rtts []time.Duration) (time.Duration, error) {
	data := make(stats.Float64Data, len(rtts))
	for i, rtt := range rtts {
		data[i] = float64(rtt)
	}

	m, err := stats.Median(data)
	if err != nil {
		return 0, err
	}

	return time.Duration(m), nil
}

func medianBps(samples []float64) string {
	m, err := stats.Median(samples)
	if err != nil {
		return "-"
	}
	return humanize.IBytes(uint64(m)) + "/s"
}
