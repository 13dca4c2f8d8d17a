package server

import (
	"context"
	"io/fs"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/RyuaNerin/speedtest-web/public"
	"github.com/RyuaNerin/speedtest-web/src/cfg"
	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const shutdownTimeout = 10 * time.Second

// Measurer runs one measurement.
type Measurer interface {
	Measure(ctx context.Context) (*common.Detail, error)
}

type Server struct {
	cfg      *cfg.Config
	measurer Measurer
	log      logrus.FieldLogger

	router *gin.Engine
	index  []byte

	flight singleflight.Group
	json   *responseCache
	stat   stat

	// measurements outlive the request that started them; ctx ends with the server.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(c *cfg.Config, m Measurer, log logrus.FieldLogger) (*Server, error) {
	index, err := public.FS.ReadFile("index.htm")
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}

	static, err := fs.Sub(public.FS, "static")
	if err != nil {
		return nil, errors.Wrap(err, "open static")
	}

	s := &Server{
		cfg:      c,
		measurer: m,
		log:      log,
		index:    index,
	}
	s.json = newResponseCache(&s.stat.json)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	router := gin.New()
	router.Use(s.handlePanic)

	if c.HTTP.Server.Pprof {
		pprof.Register(router)
	}

	router.StaticFS("/static", filesOnly{http.FS(static)})
	router.GET("/", s.handleIndex)
	router.GET(common.RunPath, s.handleRun)
	router.GET("/json", s.json.Handler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router

	return s, nil
}

// filesOnly serves files and reports directories as missing, so no listing is generated.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if stat.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}

	return file, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.cancel()

	listener, err := net.Listen(s.cfg.HTTP.Server.ListenType, s.cfg.HTTP.Server.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer listener.Close()

	server := http.Server{
		ErrorLog:     log.New(ioutil.Discard, "", 0),
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTP.Server.Timeout.Read,
		WriteTimeout: s.cfg.HTTP.Server.Timeout.Write,
		IdleTimeout:  s.cfg.HTTP.Server.Timeout.Idle,
	}

	if path := s.cfg.Path.StatLog; path != "" {
		go s.stat.logWorker(s.ctx, path, s.log)
	}

	s.log.WithField("listen", listener.Addr().String()).Info("http - listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serve")
		}
		return nil

	case <-ctx.Done():
	}

	s.log.Info("http - shutting down")

	// stop running measurements first so waiting requests can return
	s.cancel()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(sctx)
}
