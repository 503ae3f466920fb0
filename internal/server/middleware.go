package server

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/aellingwood/webpcdn/internal/rewrite"
)

// Middleware buffers each response of next and rewrites its images when it
// is a successful, uncompressed HTML document. Every other response is sent
// on byte for byte, as is every request whose path starts with one of
// skipPaths.
func Middleware(rw *rewrite.Rewriter, counters *Counters, skipPaths []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPath(r.URL.Path, skipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			bw := &bufferedWriter{ResponseWriter: w}
			next.ServeHTTP(bw, r)

			status := bw.status
			if status == 0 {
				status = http.StatusOK
			}
			body := bw.buf.Bytes()

			h := w.Header()
			if h.Get("Content-Type") == "" && len(body) > 0 {
				h.Set("Content-Type", http.DetectContentType(body))
			}

			if shouldRewrite(status, h) {
				out, st := rw.RewriteStats(string(body))
				counters.Record(st)
				body = []byte(out)
				h.Set("Content-Length", strconv.Itoa(len(body)))
			}

			w.WriteHeader(status)
			if r.Method != http.MethodHead {
				_, _ = w.Write(body)
			}
		})
	}
}

// bufferedWriter holds the status and body until the handler returns.
// Headers go straight to the wrapped writer's map.
type bufferedWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.buf.Write(p)
}

// skipPath reports whether path starts with one of prefixes.
func skipPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// shouldRewrite reports whether a response with this status and these
// headers carries a rewritable HTML document.
func shouldRewrite(status int, h http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	if enc := h.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	return isHTMLType(h.Get("Content-Type"))
}

func isHTMLType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
