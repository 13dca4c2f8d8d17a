package tester

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/likexian/whois-go"
	"github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"
	"github.com/vaegt/go-traceroute"
)

const (
	whoisTimeout = 10 * time.Second

	traceTimeout = 2 * time.Second
	traceMaxTTL  = 30
)

var (
	organizationRegex = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(?:OrgName|org-name|Organization|organisation)\s*:\s*(.+)$`),
		regexp.MustCompile(`(?im)^\s*(?:owner|descr|netname)\s*:\s*(.+)$`),
	}
	organizationIgnore = []string{
		"",
		"IANA",
		"Internet Assigned Numbers Authority",
		"RIPE Network Coordination Centre",
	}
)

// locator fills country, city and organization of a measured server. Every lookup is best effort.
type locator struct {
	geoip2Path string
	whois      bool
	traceroute bool

	lock   sync.Mutex
	opened bool
	geoip2 *geoip2.Reader

	cacheLock sync.Mutex
	cache     map[string]*locationCache

	lookupWhois func(ip string) (string, error)
	lookupTrace func(ip net.IP) ([]net.IP, error)
	lookupCity  func(log logrus.FieldLogger, ip net.IP) (country, city string)
}

// locationCache is filled once per address. Lock is held while it is being filled.
type locationCache struct {
	Lock sync.Mutex
	done bool

	Country      string
	City         string
	Organization string
}

// newLocator returns a locator. traceroute needs raw sockets and only helps with a geoip2 database.
func newLocator(geoip2Path string, whoisEnabled, tracerouteEnabled bool) *locator {
	l := &locator{
		geoip2Path: geoip2Path,
		whois:      whoisEnabled,
		traceroute: tracerouteEnabled && geoip2Path != "",
		cache:      make(map[string]*locationCache),
		lookupWhois: func(ip string) (string, error) {
			return whois.Whois(ip)
		},
		lookupTrace: trace,
	}
	l.lookupCity = l.city

	return l
}

func (l *locator) annotate(ctx context.Context, log logrus.FieldLogger, ip net.IP, s *common.DetailServer) {
	l.cacheLock.Lock()
	cache, ok := l.cache[ip.String()]
	if !ok {
		cache = new(locationCache)
		l.cache[ip.String()] = cache
	}
	l.cacheLock.Unlock()

	cache.Lock.Lock()
	defer cache.Lock.Unlock()

	if !cache.done {
		l.locate(ctx, log, ip, cache)
	}

	s.Country = cache.Country
	s.City = cache.City
	s.Organization = cache.Organization
}

// locate fills cache. It is marked done only when no lookup was cut short by ctx.
func (l *locator) locate(ctx context.Context, log logrus.FieldLogger, ip net.IP, cache *locationCache) {
	cache.Country, cache.City = l.locateCity(ctx, log, ip)

	if l.whois {
		result, err := l.whoisContext(ctx, ip.String())
		if err != nil {
			log.WithError(err).Debug("whois failed")
		} else {
			cache.Organization = extractOrganization(result)
		}
	}

	cache.done = ctx.Err() == nil
}

// locateCity geolocates the last routable hop on the way to ip when tracing is enabled, ip itself otherwise.
func (l *locator) locateCity(ctx context.Context, log logrus.FieldLogger, ip net.IP) (string, string) {
	if l.traceroute {
		hops, err := l.traceContext(ctx, ip)
		if err != nil {
			log.WithError(err).Debug("traceroute failed")
		} else if len(hops) > 1 {
			for i := len(hops) - 2; i > 0; i-- {
				if country, city := l.lookupCity(log, hops[i]); country != "" {
					return country, city
				}
			}
		}
	}

	return l.lookupCity(log, ip)
}

func (l *locator) whoisContext(ctx context.Context, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, whoisTimeout)
	defer cancel()

	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := l.lookupWhois(ip)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *locator) traceContext(ctx context.Context, ip net.IP) ([]net.IP, error) {
	type result struct {
		hops []net.IP
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		hops, err := l.lookupTrace(ip)
		ch <- result{hops, err}
	}()

	select {
	case r := <-ch:
		return r.hops, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func trace(ip net.IP) ([]net.IP, error) {
	traceData := traceroute.Exec(ip, traceTimeout, 1, traceMaxTTL, "icmp", 0)

	err := traceData.All()
	if err != nil {
		return nil, err
	}

	if len(traceData.Hops) == 0 {
		return nil, nil
	}

	hops := traceData.Hops[0]
	addrs := make([]net.IP, len(hops))
	for i, hop := range hops {
		addrs[i] = hop.AddrIP
	}

	return addrs, nil
}

func (l *locator) city(log logrus.FieldLogger, ip net.IP) (string, string) {
	db := l.db(log)
	if db == nil || ip == nil {
		return "", ""
	}

	city, err := db.City(ip)
	if err != nil {
		return "", ""
	}

	return city.Country.Names["en"], city.City.Names["en"]
}

func (l *locator) db(log logrus.FieldLogger) *geoip2.Reader {
	if l.geoip2Path == "" {
		return nil
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if !l.opened {
		l.opened = true

		db, err := geoip2.Open(l.geoip2Path)
		if err != nil {
			common.Capture(log, err, "open geoip2")
			return nil
		}
		l.geoip2 = db
	}

	return l.geoip2
}

func (l *locator) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.geoip2 == nil {
		return nil
	}

	err := l.geoip2.Close()
	l.geoip2 = nil
	return err
}

func extractOrganization(result string) string {
	for _, reg := range organizationRegex {
		for _, match := range reg.FindAllStringSubmatch(result, -1) {
			org := strings.TrimSpace(match[1])

			pass := false
			for _, v := range organizationIgnore {
				if strings.EqualFold(org, v) {
					pass = true
					break
				}
			}

			if !pass {
				return org
			}
		}
	}

	return ""
}
