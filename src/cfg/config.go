package cfg

import (
	"encoding/hex"
	"net"
	"net/http"
	"os"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	DefaultPath = "./config.json"

	PingICMP = "icmp"
	PingHTTP = "http"
)

// V is the configuration loaded by Load.
var V = Default()

type Config struct {
	HTTP struct {
		Server struct {
			ListenType string        `json:"listen_type"`
			Listen     string        `json:"listen"`
			Pprof      bool          `json:"pprof"`
			Timeout    ServerTimeout `json:"timeout"`
		} `json:"server"`
		Client struct {
			Timeout ClientTimeout `json:"timeout"`
		} `json:"client"`
	} `json:"http"`
	DNS    DNS    `json:"dns"`
	Test   Test   `json:"test"`
	Runner Runner `json:"runner"`
	Path   struct {
		GeoIP2  string `json:"geoip2"`
		StatLog string `json:"stat_log"`
	} `json:"path"`
	Sentry struct {
		Dsn string `json:"dsn"`
	} `json:"sentry"`
}

type ServerTimeout struct {
	Read  time.Duration `json:"read"`
	Write time.Duration `json:"write"`
	Idle  time.Duration `json:"idle"`
}

type ClientTimeout struct {
	Timeout               time.Duration `json:"timeout"`
	IdleConnTimeout       time.Duration `json:"idle_conn_timeout"`
	ExpectContinueTimeout time.Duration `json:"expect_continue_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
}

func (t ClientTimeout) SetTransport(tr *http.Transport) {
	tr.IdleConnTimeout = t.IdleConnTimeout
	tr.ExpectContinueTimeout = t.ExpectContinueTimeout
	tr.ResponseHeaderTimeout = t.ResponseHeaderTimeout
	tr.TLSHandshakeTimeout = t.TLSHandshakeTimeout
}

type DNS struct {
	NameServer     []string      `json:"nameserver"`
	Timeout        time.Duration `json:"timeout"`
	LookupInterval time.Duration `json:"lookup_interval"`
	CacheExpire    time.Duration `json:"cache_expire"`
	CacheMaxCount  int           `json:"cache_max_count"`
}

type Test struct {
	Timeout     time.Duration `json:"timeout"`
	MaxDuration time.Duration `json:"max_duration"`

	Ping struct {
		Method     string        `json:"method"`
		Count      int           `json:"count"`
		Timeout    time.Duration `json:"timeout"`
		Privileged bool          `json:"privileged"`
	} `json:"ping"`

	Worker struct {
		Download int `json:"download"`
		Upload   int `json:"upload"`
	} `json:"worker"`

	DownloadSize uint64 `json:"download_size"`
	UploadSize   uint64 `json:"upload_size"`
	UploadChunk  uint64 `json:"upload_chunk"`

	Whois bool `json:"whois"`

	Servers []*Server `json:"servers"`
}

// TestDataMap maps a download url to the sha256 digest of its body. An empty digest disables verification.
type TestDataMap map[string][]byte

type Server struct {
	Name     string      `json:"name"`
	Host     string      `json:"host"`
	Latency  string      `json:"latency"`
	Download TestDataMap `json:"download"`
	Upload   string      `json:"upload"`
}

type Runner struct {
	Endpoint string        `json:"endpoint"`
	Timeout  time.Duration `json:"timeout"`
}

func DefaultServers() []*Server {
	return []*Server{
		{
			Name:    "Cloudflare",
			Host:    "speed.cloudflare.com",
			Latency: "https://speed.cloudflare.com/__down?bytes=0",
			Download: TestDataMap{
				"https://speed.cloudflare.com/__down?bytes=10000000": nil,
				"https://speed.cloudflare.com/__down?bytes=25000000": nil,
			},
			Upload: "https://speed.cloudflare.com/__up",
		},
	}
}

func Default() *Config {
	c := new(Config)

	c.HTTP.Server.ListenType = "tcp"
	c.HTTP.Server.Listen = ":5000"
	c.HTTP.Server.Timeout.Read = 10 * time.Second
	c.HTTP.Server.Timeout.Idle = 2 * time.Minute

	c.HTTP.Client.Timeout.IdleConnTimeout = 30 * time.Second
	c.HTTP.Client.Timeout.ExpectContinueTimeout = time.Second
	c.HTTP.Client.Timeout.ResponseHeaderTimeout = 10 * time.Second
	c.HTTP.Client.Timeout.TLSHandshakeTimeout = 10 * time.Second

	c.DNS.Timeout = 2 * time.Second
	c.DNS.LookupInterval = 500 * time.Millisecond
	c.DNS.CacheExpire = 10 * time.Minute
	c.DNS.CacheMaxCount = 256

	c.Test.Timeout = 2 * time.Minute
	c.Test.MaxDuration = 15 * time.Second
	c.Test.Ping.Method = PingHTTP
	c.Test.Ping.Count = 5
	c.Test.Ping.Timeout = 3 * time.Second
	c.Test.Worker.Download = 4
	c.Test.Worker.Upload = 4
	c.Test.DownloadSize = 100 * humanize.MiByte
	c.Test.UploadSize = 25 * humanize.MiByte
	c.Test.UploadChunk = 512 * humanize.KiByte

	c.Runner.Endpoint = "http://127.0.0.1:5000"

	return c
}

// Load reads the configuration at path on top of Default, then applies the environment.
func Load(path string) (*Config, error) {
	c := Default()

	fs, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer fs.Close()

	err = jsoniter.NewDecoder(fs).Decode(c)
	if err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	if err := c.finish(); err != nil {
		return nil, err
	}

	V = c
	return c, nil
}

// LoadDefault is Load without a file.
func LoadDefault() (*Config, error) {
	c := Default()
	if err := c.finish(); err != nil {
		return nil, err
	}

	V = c
	return c, nil
}

func (c *Config) finish() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "load .env")
	}

	if port := os.Getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(c.HTTP.Server.Listen)
		if err != nil {
			host = ""
		}
		c.HTTP.Server.Listen = net.JoinHostPort(host, port)
	}
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		c.Sentry.Dsn = dsn
	}

	if len(c.Test.Servers) == 0 {
		c.Test.Servers = DefaultServers()
	}

	return c.validate()
}

func (c *Config) validate() error {
	switch c.Test.Ping.Method {
	case PingICMP, PingHTTP:
	default:
		return errors.Errorf("test.ping.method: unknown method %q", c.Test.Ping.Method)
	}

	if c.Test.Ping.Count <= 0 {
		return errors.New("test.ping.count must be positive")
	}
	if c.Test.Worker.Download <= 0 || c.Test.Worker.Upload <= 0 {
		return errors.New("test.worker must be positive")
	}
	if c.Test.UploadChunk == 0 {
		return errors.New("test.upload_chunk must be positive")
	}
	if c.Test.DownloadSize == 0 || c.Test.UploadSize == 0 {
		return errors.New("test.download_size and test.upload_size must be positive")
	}

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"test.timeout", c.Test.Timeout},
		{"test.max_duration", c.Test.MaxDuration},
		{"test.ping.timeout", c.Test.Ping.Timeout},
		{"runner.timeout", c.Runner.Timeout},
		{"dns.timeout", c.DNS.Timeout},
		{"dns.lookup_interval", c.DNS.LookupInterval},
		{"dns.cache_expire", c.DNS.CacheExpire},
	}
	for _, d := range durations {
		if d.v < 0 {
			return errors.Errorf("%s must not be negative", d.name)
		}
	}

	for i, s := range c.Test.Servers {
		if s.Host == "" {
			return errors.Errorf("test.servers[%d]: host is empty", i)
		}
		if len(s.Download) == 0 {
			return errors.Errorf("test.servers[%d] (%s): no download url", i, s.Host)
		}
		if s.Upload == "" {
			return errors.Errorf("test.servers[%d] (%s): no upload url", i, s.Host)
		}
		if c.Test.Ping.Method == PingHTTP && s.Latency == "" {
			return errors.Errorf("test.servers[%d] (%s): http ping needs a latency url", i, s.Host)
		}
	}

	return nil
}

func init() {
	jsoniter.RegisterTypeDecoderFunc(
		"uint64",
		func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
			switch iter.WhatIsNext() {
			case jsoniter.StringValue:
				v := iter.ReadString()
				i, err := humanize.ParseBytes(v)
				if err != nil {
					iter.ReportError("uint64Decoder", err.Error())
					return
				}
				*(*uint64)(ptr) = i

			case jsoniter.NumberValue:
				*(*uint64)(ptr) = iter.ReadUint64()

			default:
				iter.ReportError("uint64Decoder", "wrong type")
			}
		},
	)

	jsoniter.RegisterTypeDecoderFunc(
		"[]uint8",
		func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
			switch iter.WhatIsNext() {
			case jsoniter.NilValue:
				iter.Skip()

			case jsoniter.StringValue:
				b, err := hex.DecodeString(iter.ReadString())
				if err != nil {
					iter.ReportError("hexDecoder", err.Error())
					return
				}
				*(*[]byte)(ptr) = b

			default:
				iter.ReportError("hexDecoder", "wrong type")
			}
		},
	)

	// "30s" or milliseconds
	jsoniter.RegisterTypeDecoderFunc(
		"time.Duration",
		func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
			switch iter.WhatIsNext() {
			case jsoniter.StringValue:
				td, err := time.ParseDuration(iter.ReadString())
				if err != nil {
					iter.ReportError("durationDecoder", err.Error())
					return
				}
				*(*time.Duration)(ptr) = td

			case jsoniter.NumberValue:
				*(*time.Duration)(ptr) = time.Duration(float64(time.Millisecond) * iter.ReadFloat64())

			default:
				iter.ReportError("durationDecoder", "wrong type")
			}
		},
	)
	jsoniter.RegisterTypeEncoderFunc(
		"time.Duration",
		func(ptr unsafe.Pointer, stream *jsoniter.Stream) {
			stream.WriteFloat64(float64(*(*time.Duration)(ptr)) / float64(time.Millisecond))
		},
		nil,
	)
}
