package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(io.Discard) }}
	brPool   = sync.Pool{New: func() any { return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression) }}
)

type compressWriter interface {
	io.WriteCloser
	Reset(io.Writer)
}

// compressResponseWriter picks compression when the status is known; bodiless
// responses are written unencoded.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding    string
	cw          compressWriter
	wroteHeader bool
	compress    bool
}

func (w *compressResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	h := w.Header()
	if status != http.StatusNoContent && status != http.StatusNotModified && h.Get("Content-Encoding") == "" {
		w.compress = true
		h.Set("Content-Encoding", w.encoding)
		h.Del("Content-Length")
		w.cw = acquire(w.encoding)
		w.cw.Reset(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.compress {
		return w.ResponseWriter.Write(b)
	}
	return w.cw.Write(b)
}

func (w *compressResponseWriter) close() {
	if w.cw == nil {
		return
	}
	_ = w.cw.Close()
	release(w.encoding, w.cw)
	w.cw = nil
}

func acquire(encoding string) compressWriter {
	if encoding == "br" {
		return brPool.Get().(*brotli.Writer)
	}
	return gzipPool.Get().(*gzip.Writer)
}

func release(encoding string, cw compressWriter) {
	cw.Reset(io.Discard)
	if encoding == "br" {
		brPool.Put(cw)
		return
	}
	gzipPool.Put(cw)
}

// negotiateEncoding prefers brotli over gzip. q=0 disables an encoding.
func negotiateEncoding(header string) string {
	var br, gz bool
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	}
	return ""
}

// Compression compresses responses with brotli or gzip according to
// Accept-Encoding. WebSocket upgrades and HEAD requests are left alone.
func Compression(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" || r.Method == http.MethodHead || r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}

		crw := &compressResponseWriter{ResponseWriter: w, encoding: encoding}
		defer crw.close()
		next.ServeHTTP(crw, r)
	})
}
