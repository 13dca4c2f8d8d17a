package tester

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const arinWhois = `
NetRange:       104.16.0.0 - 104.31.255.255
CIDR:           104.16.0.0/12
NetName:        CLOUDFLARENET
OrgName:        Cloudflare, Inc.
OrgId:          CLOUD14
`

const ripeWhois = `
inetnum:        193.0.0.0 - 193.0.7.255
netname:        RIPE-NCC
descr:          RIPE Network Coordination Centre
descr:          Amsterdam, Netherlands
`

func TestExtractOrganization(t *testing.T) {
	assert.Equal(t, "Cloudflare, Inc.", extractOrganization(arinWhois))
	assert.Equal(t, "RIPE-NCC", extractOrganization(ripeWhois))
	assert.Equal(t, "", extractOrganization("% no match"))
}

func TestLocatorAnnotate_Whois(t *testing.T) {
	log, _ := test.NewNullLogger()

	l := newLocator("", true, false)
	var asked string
	l.lookupWhois = func(ip string) (string, error) {
		asked = ip
		return arinWhois, nil
	}

	var s common.DetailServer
	l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)

	assert.Equal(t, "104.16.1.1", asked)
	assert.Equal(t, "Cloudflare, Inc.", s.Organization)
	assert.Empty(t, s.Country)
}

func TestLocatorAnnotate_Disabled(t *testing.T) {
	log, _ := test.NewNullLogger()

	l := newLocator("", false, false)
	l.lookupWhois = func(ip string) (string, error) {
		t.Fatal("whois should not be called")
		return "", nil
	}

	var s common.DetailServer
	l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)
	assert.Empty(t, s.Organization)
}

func TestLocatorAnnotate_BadGeoIP2Path(t *testing.T) {
	log, hook := test.NewNullLogger()

	l := newLocator("/nonexistent/GeoLite2-City.mmdb", true, false)
	l.lookupWhois = func(ip string) (string, error) {
		return "", errors.New("timeout")
	}

	var s common.DetailServer
	l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)
	l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)

	assert.Empty(t, s.Country)
	assert.Empty(t, s.Organization)

	// the database is opened once
	errorCount := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "open geoip2" {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)
	assert.NoError(t, l.Close())
}

func TestLocatorAnnotate_Cached(t *testing.T) {
	log, _ := test.NewNullLogger()

	l := newLocator("", true, false)
	var calls int32
	l.lookupWhois = func(ip string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return arinWhois, nil
	}

	for i := 0; i < 3; i++ {
		var s common.DetailServer
		l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)
		assert.Equal(t, "Cloudflare, Inc.", s.Organization)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var s common.DetailServer
	l.annotate(context.Background(), log, net.ParseIP("104.16.2.2"), &s)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestLocatorAnnotate_WhoisBoundByContext(t *testing.T) {
	log, _ := test.NewNullLogger()

	release := make(chan struct{})
	defer close(release)

	l := newLocator("", true, false)
	var calls int32
	l.lookupWhois = func(ip string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		return arinWhois, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	var s common.DetailServer
	l.annotate(ctx, log, net.ParseIP("104.16.1.1"), &s)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, s.Organization)

	// a cut short lookup is not cached
	l.annotate(context.Background(), log, net.ParseIP("104.16.1.1"), &s)
	assert.Equal(t, "Cloudflare, Inc.", s.Organization)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestLocatorAnnotate_Traceroute(t *testing.T) {
	log, _ := test.NewNullLogger()

	target := net.ParseIP("104.16.1.1")
	countries := map[string][2]string{
		"192.168.0.1": {"", ""},
		"203.0.113.1": {"South Korea", "Seoul"},
		"203.0.113.2": {"", ""},
		"104.16.1.1":  {"United States", ""},
	}

	l := newLocator("/nonexistent/GeoLite2-City.mmdb", false, true)
	require.True(t, l.traceroute)
	l.lookupTrace = func(ip net.IP) ([]net.IP, error) {
		assert.Equal(t, target.String(), ip.String())
		return []net.IP{
			net.ParseIP("192.168.0.1"),
			net.ParseIP("203.0.113.1"),
			net.ParseIP("203.0.113.2"),
			target,
		}, nil
	}
	l.lookupCity = func(log logrus.FieldLogger, ip net.IP) (string, string) {
		c := countries[ip.String()]
		return c[0], c[1]
	}

	var s common.DetailServer
	l.annotate(context.Background(), log, target, &s)
	assert.Equal(t, "South Korea", s.Country)
	assert.Equal(t, "Seoul", s.City)

	// a failed trace falls back to the address itself
	l = newLocator("/nonexistent/GeoLite2-City.mmdb", false, true)
	l.lookupTrace = func(ip net.IP) ([]net.IP, error) {
		return nil, errors.New("operation not permitted")
	}
	l.lookupCity = func(log logrus.FieldLogger, ip net.IP) (string, string) {
		c := countries[ip.String()]
		return c[0], c[1]
	}

	s = common.DetailServer{}
	l.annotate(context.Background(), log, target, &s)
	assert.Equal(t, "United States", s.Country)
}

func TestNewLocator_TracerouteNeedsGeoIP2(t *testing.T) {
	assert.False(t, newLocator("", false, true).traceroute)
	assert.True(t, newLocator("GeoLite2-City.mmdb", false, true).traceroute)
	assert.False(t, newLocator("GeoLite2-City.mmdb", false, false).traceroute)
}
