package tester

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/cfg"

	"github.com/pkg/errors"
	"github.com/sparrc/go-ping"
)

var ErrPacketLoss = errors.New("packet loss")

// Pinger returns one round trip time per probe.
type Pinger interface {
	Ping(ctx context.Context, tg *target) ([]time.Duration, error)
}

func newPinger(c cfg.Test, client *http.Client) Pinger {
	if c.Ping.Method == cfg.PingICMP {
		return &icmpPinger{
			count:      c.Ping.Count,
			timeout:    c.Ping.Timeout,
			privileged: c.Ping.Privileged,
		}
	}

	return &httpPinger{
		client:  client,
		count:   c.Ping.Count,
		timeout: c.Ping.Timeout,
	}
}

type icmpPinger struct {
	count      int
	timeout    time.Duration
	privileged bool
}

func (p *icmpPinger) Ping(ctx context.Context, tg *target) ([]time.Duration, error) {
	pinger, err := ping.NewPinger(tg.addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "new pinger")
	}
	p.configure(pinger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pinger.Run()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return nil, ctx.Err()
	}

	stats := pinger.Statistics()
	if stats.PacketsSent != p.count || stats.PacketsRecv != p.count {
		return nil, errors.Wrapf(ErrPacketLoss, "%s: sent %d recv %d", tg.addr, stats.PacketsSent, stats.PacketsRecv)
	}

	return stats.Rtts, nil
}

// configure keeps go-ping's default timeout when none is set. go-ping panics on a zero timeout.
func (p *icmpPinger) configure(pinger *ping.Pinger) {
	pinger.SetPrivileged(p.privileged)

	pinger.Count = p.count
	if p.timeout > 0 {
		pinger.Timeout = p.timeout
	}
}

// httpPinger times a small GET against the latency url. The first request opens the connection and is not counted.
type httpPinger struct {
	client  *http.Client
	count   int
	timeout time.Duration
}

func (p *httpPinger) Ping(ctx context.Context, tg *target) ([]time.Duration, error) {
	if _, err := p.probe(ctx, tg); err != nil {
		return nil, err
	}

	rtts := make([]time.Duration, 0, p.count)
	for i := 0; i < p.count; i++ {
		rtt, err := p.probe(ctx, tg)
		if err != nil {
			return nil, errors.Wrapf(ErrPacketLoss, "%s: %v", tg.server.Latency, err)
		}
		rtts = append(rtts, rtt)
	}

	return rtts, nil
}

func (p *httpPinger) probe(ctx context.Context, tg *target) (time.Duration, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(tg.context(ctx), http.MethodGet, tg.server.Latency, nil)
	if err != nil {
		return 0, errors.Wrap(err, "new request")
	}

	start := time.Now()
	res, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	io.Copy(ioutil.Discard, res.Body)
	res.Body.Close()

	if res.StatusCode/100 != 2 {
		return 0, errors.Errorf("%s: %s", tg.server.Latency, res.Status)
	}

	return rtt, nil
}
