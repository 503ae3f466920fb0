package server

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/aellingwood/webpcdn/internal/rewrite"
)

// NewProxy returns a reverse proxy to upstream that rewrites the images of
// every HTML page it relays, except pages whose path starts with one of
// skipPaths. Upstream is asked for uncompressed bodies so pages can be
// rewritten in place.
func NewProxy(upstream *url.URL, rw *rewrite.Rewriter, counters *Counters, skipPaths []string) *httputil.ReverseProxy {
	base := strings.TrimSuffix(upstream.Path, "/")
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Header.Del("Accept-Encoding")
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.Request != nil && skipPath(strings.TrimPrefix(resp.Request.URL.Path, base), skipPaths) {
				return nil
			}
			if !shouldRewrite(resp.StatusCode, resp.Header) {
				return nil
			}

			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("reading upstream body: %w", err)
			}

			out, st := rw.RewriteStats(string(body))
			counters.Record(st)

			resp.Body = io.NopCloser(bytes.NewReader([]byte(out)))
			resp.ContentLength = int64(len(out))
			resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("proxy error: %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}
