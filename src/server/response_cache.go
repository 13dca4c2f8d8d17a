package server

import (
	"bytes"
	"encoding/hex"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type responseCache struct {
	l sync.RWMutex

	etag          string
	contentLength string

	data []byte

	stat *uint64
}

func newResponseCache(stat *uint64) *responseCache {
	return &responseCache{
		stat: stat,
	}
}

func (rc *responseCache) Handler(ctx *gin.Context) {
	rc.l.RLock()
	defer rc.l.RUnlock()

	h := ctx.Writer.Header()

	atomic.AddUint64(rc.stat, 1)

	if rc.data == nil {
		ctx.Status(http.StatusNoContent)
		metricRequestsCount.WithLabelValues("/json", "empty").Inc()
		return
	}

	h.Set("ETag", rc.etag)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-cache")

	if etag := ctx.GetHeader("If-None-Match"); etag == rc.etag {
		ctx.Status(http.StatusNotModified)
		metricRequestsCount.WithLabelValues("/json", "not_modified").Inc()
		return
	}

	h.Set("Content-Length", rc.contentLength)

	ctx.Status(http.StatusOK)
	ctx.Writer.Write(rc.data)
	metricRequestsCount.WithLabelValues("/json", "ok").Inc()
}

// update replaces the cached body with what update writes. A failed update keeps the previous body.
func (rc *responseCache) update(update func(w io.Writer) error) error {
	rc.l.Lock()
	defer rc.l.Unlock()

	h := fnv.New32a()

	buf := bytes.NewBuffer(nil)
	if err := update(io.MultiWriter(h, buf)); err != nil {
		return err
	}

	rc.data = buf.Bytes()
	rc.etag = `"` + hex.EncodeToString(h.Sum(nil)) + `"`
	rc.contentLength = strconv.Itoa(len(rc.data))
	return nil
}
