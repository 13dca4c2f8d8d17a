package tester

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/cfg"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ResolveError struct {
	host        string
	nameservers []string
}

func (e ResolveError) Error() string {
	return e.host + " resolve failed on " + strings.Join(e.nameservers, "; ")
}

type resolver struct {
	client      dns.Client
	nameservers []string
	interval    time.Duration
	cache       *memoryCache
	log         logrus.FieldLogger
}

func newResolver(c cfg.DNS, log logrus.FieldLogger) *resolver {
	ns := make([]string, 0, len(c.NameServer))
	for _, addr := range c.NameServer {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, "53")
		}
		ns = append(ns, addr)
	}

	interval := c.LookupInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &resolver{
		client: dns.Client{
			Net:     "udp",
			Timeout: c.Timeout,
		},
		nameservers: ns,
		interval:    interval,
		cache:       newMemoryCache(c.CacheExpire, c.CacheMaxCount),
		log:         log,
	}
}

func (r *resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if ip, err := r.cache.Get(host); err == nil {
		return ip, nil
	}

	var ip net.IP
	var err error
	if len(r.nameservers) == 0 {
		ip, err = r.lookupSystem(ctx, host)
	} else {
		ip, err = r.lookup(ctx, host)
	}
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(host, ip); err != nil {
		r.log.WithFields(logrus.Fields{
			"host":  host,
			"error": err.Error(),
		}).Debug("set cache failed")
	}

	return ip, nil
}

func (r *resolver) lookupSystem(ctx context.Context, host string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", host)
	}

	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}

	return nil, ResolveError{host, []string{"system"}}
}

// lookup asks each nameserver in turn, one per interval, and takes the first good answer.
func (r *resolver) lookup(ctx context.Context, host string) (net.IP, error) {
	var msg dns.Msg
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.SetEdns0(4096, true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	res := make(chan net.IP, 1)

	exchange := func(nameserver string) {
		defer wg.Done()

		m, _, err := r.client.ExchangeContext(ctx, msg.Copy(), nameserver)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"host":       host,
				"nameserver": nameserver,
				"error":      err.Error(),
			}).Debug("exchange failed")
			return
		}

		ip := answerA(m)
		if ip == nil {
			return
		}

		select {
		case res <- ip:
		default:
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for _, nameserver := range r.nameservers {
		wg.Add(1)
		go exchange(nameserver)

		select {
		case ip := <-res:
			return ip, nil
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case ip := <-res:
		return ip, nil
	case <-done:
	}

	select {
	case ip := <-res:
		return ip, nil
	default:
		return nil, ResolveError{host, r.nameservers}
	}
}

func answerA(m *dns.Msg) net.IP {
	if m == nil || m.Rcode != dns.RcodeSuccess {
		return nil
	}

	for _, ans := range m.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A
		}
	}

	return nil
}
