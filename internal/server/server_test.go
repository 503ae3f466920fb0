package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/rewrite"
)

const (
	eligibleImg  = `<img class="wp-image-5" src="https://cdn.example.com/wp-content/uploads/photo.jpg">`
	rewrittenImg = `<picture><source srcset="https://cdn.example.com/wp-content/uploads/photo.jpg?format=webp&quality=80" type="image/webp"><img class="wp-image-5" src="https://cdn.example.com/wp-content/uploads/photo.jpg"></picture>`
)

func testRewriter() *rewrite.Rewriter {
	return rewrite.New(config.Default().WebP, nil)
}

// ---------- InjectLiveReload Tests ----------

func TestInjectLiveReload_BeforeBody(t *testing.T) {
	html := []byte("<html><body><p>Hello</p></body></html>")
	result := InjectLiveReload(html, 1414)

	if !bytes.Contains(result, []byte(":1414/__webpcdn/ws")) {
		t.Error("expected port 1414 in WebSocket URL")
	}

	bodyIdx := bytes.Index(result, []byte("</body>"))
	scriptIdx := bytes.Index(result, []byte("<script>"))
	if scriptIdx == -1 || bodyIdx == -1 {
		t.Fatal("expected both <script> and </body> in result")
	}
	if scriptIdx >= bodyIdx {
		t.Error("expected script to be injected before </body>")
	}
}

func TestInjectLiveReload_MissingBody(t *testing.T) {
	result := InjectLiveReload([]byte("<p>No body tag</p>"), 8080)

	if !bytes.Contains(result, []byte(":8080/__webpcdn/ws")) {
		t.Error("expected port 8080 in WebSocket URL")
	}
	if !bytes.HasSuffix(result, []byte("</script>")) {
		t.Error("expected script to be appended at end when no </body> tag")
	}
}

// ---------- Middleware Tests ----------

func TestMiddleware_RewritesHTML(t *testing.T) {
	page := "<html><body>" + eligibleImg + "</body></html>"
	counters := &Counters{}
	h := Middleware(testRewriter(), counters, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", fmt.Sprint(len(page)))
		_, _ = io.WriteString(w, page)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	want := "<html><body>" + rewrittenImg + "</body></html>"
	if got := rr.Body.String(); got != want {
		t.Errorf("unexpected body:\ngot:  %s\nwant: %s", got, want)
	}
	if got := rr.Header().Get("Content-Length"); got != fmt.Sprint(len(want)) {
		t.Errorf("Content-Length: got %s, want %d", got, len(want))
	}
	if snap := counters.Snapshot(); snap.Pages != 1 || snap.Converted != 1 {
		t.Errorf("counters: got %+v", snap)
	}
}

func TestMiddleware_SniffsContentType(t *testing.T) {
	page := "<!DOCTYPE html><html><body>" + eligibleImg + "</body></html>"
	h := Middleware(testRewriter(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, page)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(rr.Body.String(), "<picture>") {
		t.Errorf("expected sniffed HTML to be rewritten, got: %s", rr.Body.String())
	}
}

func TestMiddleware_PassThrough(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		encoding    string
	}{
		{"not found", http.StatusNotFound, "text/html", ""},
		{"json", http.StatusOK, "application/json", ""},
		{"gzip", http.StatusOK, "text/html", "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counters := &Counters{}
			h := Middleware(testRewriter(), counters, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, eligibleImg)
			}))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

			if rr.Code != tt.status {
				t.Errorf("status: got %d, want %d", rr.Code, tt.status)
			}
			if rr.Body.String() != eligibleImg {
				t.Errorf("body should pass through, got: %s", rr.Body.String())
			}
			if counters.Snapshot().Pages != 0 {
				t.Error("nothing should be recorded")
			}
		})
	}
}

func TestMiddleware_SkipPaths(t *testing.T) {
	counters := &Counters{}
	h := Middleware(testRewriter(), counters, config.DefaultSkipPaths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, eligibleImg)
	}))

	for _, path := range []string{"/wp-admin/upload.php", "/wp-login.php"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		if rr.Body.String() != eligibleImg {
			t.Errorf("%s: body should pass through, got: %s", path, rr.Body.String())
		}
	}
	if counters.Snapshot().Pages != 0 {
		t.Errorf("skipped pages should not be recorded, got %+v", counters.Snapshot())
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/blog/wp-admin-tips/", nil))
	if !strings.Contains(rr.Body.String(), "<picture>") {
		t.Errorf("front-end page should be rewritten, got: %s", rr.Body.String())
	}
}

func TestMiddleware_Head(t *testing.T) {
	h := Middleware(testRewriter(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, eligibleImg)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("HEAD", "/", nil))

	if rr.Body.Len() != 0 {
		t.Errorf("HEAD should have no body, got %d bytes", rr.Body.Len())
	}
}

// ---------- Proxy Tests ----------

func TestProxy_RewritesUpstreamHTML(t *testing.T) {
	var sawEncoding atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawEncoding.Store(r.Header.Get("Accept-Encoding"))
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<body>"+eligibleImg+"</body>")
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, eligibleImg)
		}
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	counters := &Counters{}
	proxy := httptest.NewServer(NewProxy(target, testRewriter(), counters, nil))
	defer proxy.Close()

	req, _ := http.NewRequest("GET", proxy.URL+"/page", nil)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if want := "<body>" + rewrittenImg + "</body>"; string(body) != want {
		t.Errorf("unexpected body:\ngot:  %s\nwant: %s", body, want)
	}
	if enc, _ := sawEncoding.Load().(string); enc == "br" {
		t.Error("Accept-Encoding should not reach upstream")
	}
	if counters.Snapshot().Converted != 1 {
		t.Errorf("counters: got %+v", counters.Snapshot())
	}

	resp, err = http.Get(proxy.URL + "/plain")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != eligibleImg {
		t.Errorf("non-HTML should pass through, got: %s", body)
	}
}

func TestProxy_SkipsAdminPages(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, eligibleImg)
	}))
	defer upstream.Close()

	// A base path on the upstream must not hide the admin prefix.
	target, err := url.Parse(upstream.URL + "/site/")
	if err != nil {
		t.Fatal(err)
	}
	counters := &Counters{}
	proxy := httptest.NewServer(NewProxy(target, testRewriter(), counters, config.DefaultSkipPaths))
	defer proxy.Close()

	fetch := func(path string) string {
		t.Helper()
		resp, err := http.Get(proxy.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := fetch("/wp-admin/upload.php"); got != eligibleImg {
		t.Errorf("admin page should pass through, got: %s", got)
	}
	if got := fetch("/wp-login.php?redirect_to=%2F"); got != eligibleImg {
		t.Errorf("login page should pass through, got: %s", got)
	}
	if got := fetch("/2024/05/post/"); got != rewrittenImg {
		t.Errorf("front-end page should be rewritten:\ngot:  %s\nwant: %s", got, rewrittenImg)
	}
	if snap := counters.Snapshot(); snap.Pages != 1 {
		t.Errorf("only the front-end page should be recorded, got %+v", snap)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL)
	upstream.Close()

	proxy := httptest.NewServer(NewProxy(target, testRewriter(), nil, nil))
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
}

// ---------- Status Tests ----------

func TestStatusHandler(t *testing.T) {
	counters := &Counters{}
	counters.Record(rewrite.Stats{Images: 3, Converted: 2, Skipped: 1})
	counters.Record(rewrite.Stats{Images: 1, Converted: 1})

	cfg := config.Default().WebP
	cfg.Quality = 70
	cfg.Debug = true

	rr := httptest.NewRecorder()
	StatusHandler(cfg, counters).ServeHTTP(rr, httptest.NewRequest("GET", StatusPath, nil))

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	want := map[string]any{
		"enabled":   true,
		"enhanced":  true,
		"debug":     true,
		"quality":   float64(70),
		"pages":     float64(2),
		"images":    float64(4),
		"converted": float64(3),
		"skipped":   float64(1),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: got %v, want %v", k, got[k], v)
		}
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	StatusHandler(config.Default().WebP, nil).ServeHTTP(rr, httptest.NewRequest("POST", StatusPath, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestCounters_Nil(t *testing.T) {
	var c *Counters
	c.Record(rewrite.Stats{Images: 1})
	if c.Snapshot() != (Snapshot{}) {
		t.Error("nil counters should report zero")
	}
}

// ---------- Preview Server Tests ----------

func TestHandleRequest_RewritesPages(t *testing.T) {
	siteDir := t.TempDir()
	writeTestFile(t, siteDir, "index.html", "<html><body>"+eligibleImg+"</body></html>")

	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir})

	rr := httptest.NewRecorder()
	srv.handleRequest(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), rewrittenImg) {
		t.Errorf("expected rewritten image, got: %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "__webpcdn/ws") {
		t.Error("expected live reload script to be injected")
	}
	if srv.Counters().Snapshot().Pages != 1 {
		t.Error("expected the page to be counted")
	}
}

func TestHandleRequest_NoLiveReload(t *testing.T) {
	siteDir := t.TempDir()
	writeTestFile(t, siteDir, "index.html", "<html><body></body></html>")

	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir, NoLiveReload: true})

	rr := httptest.NewRecorder()
	srv.handleRequest(rr, httptest.NewRequest("GET", "/", nil))

	if strings.Contains(rr.Body.String(), "__webpcdn/ws") {
		t.Error("live reload script should not be injected")
	}
}

func TestHandleRequest_NonHTMLUntouched(t *testing.T) {
	siteDir := t.TempDir()
	writeTestFile(t, siteDir, "notes.txt", eligibleImg)

	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir})

	rr := httptest.NewRecorder()
	srv.handleRequest(rr, httptest.NewRequest("GET", "/notes.txt", nil))

	if rr.Body.String() != eligibleImg {
		t.Errorf("text files should be served as is, got: %s", rr.Body.String())
	}
}

func TestHandleRequest_CleanURLs(t *testing.T) {
	siteDir := t.TempDir()
	writeTestFile(t, siteDir, "about.html", "<p>about</p>")
	writeTestFile(t, siteDir, "blog/index.html", "<p>blog</p>")

	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir, NoLiveReload: true})

	tests := []struct {
		path string
		want string
	}{
		{"/about", "<p>about</p>"},
		{"/about.html", "<p>about</p>"},
		{"/blog", "<p>blog</p>"},
		{"/blog/", "<p>blog</p>"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		srv.handleRequest(rr, httptest.NewRequest("GET", tt.path, nil))
		if rr.Code != http.StatusOK || rr.Body.String() != tt.want {
			t.Errorf("%s: got %d %q, want 200 %q", tt.path, rr.Code, rr.Body.String(), tt.want)
		}
	}
}

func TestHandleRequest_404(t *testing.T) {
	siteDir := t.TempDir()
	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir, NoLiveReload: true})

	rr := httptest.NewRecorder()
	srv.handleRequest(rr, httptest.NewRequest("GET", "/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}

	writeTestFile(t, siteDir, "404.html", "<h1>Custom Not Found</h1>")
	rr = httptest.NewRecorder()
	srv.handleRequest(rr, httptest.NewRequest("GET", "/missing", nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "Custom Not Found") {
		t.Errorf("expected custom 404 page, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandleRequest_DirectoryTraversal(t *testing.T) {
	parent := t.TempDir()
	siteDir := filepath.Join(parent, "site")
	writeTestFile(t, parent, "secret.txt", "top secret")
	writeTestFile(t, siteDir, "index.html", "<html></html>")

	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: siteDir, NoLiveReload: true})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.URL.Path = "/../secret.txt"
	srv.handleRequest(rr, req)

	if strings.Contains(rr.Body.String(), "top secret") {
		t.Error("should not serve files outside the site directory")
	}
}

func TestHandler_Status(t *testing.T) {
	srv := NewServer(testRewriter(), ServeOptions{Port: 1414, SiteDir: t.TempDir()})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", StatusPath, nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want %q", ct, "application/json")
	}
}

func TestHandleChanges_ReloadsMetadata(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "attachments.yaml")

	var reloads atomic.Int32
	srv := NewServer(testRewriter(), ServeOptions{
		SiteDir:      dir,
		MetadataPath: metaPath,
		OnMetadataChange: func() error {
			reloads.Add(1)
			return nil
		},
	})

	srv.HandleChanges([]string{filepath.Join(dir, "index.html")})
	if reloads.Load() != 0 {
		t.Error("metadata should not reload for unrelated files")
	}

	srv.HandleChanges([]string{filepath.Join(dir, "index.html"), metaPath})
	if reloads.Load() != 1 {
		t.Errorf("reloads: got %d, want 1", reloads.Load())
	}
}

func TestHandleChanges_ReloadErrorIsNotFatal(t *testing.T) {
	metaPath := filepath.Join(t.TempDir(), "attachments.yaml")
	srv := NewServer(testRewriter(), ServeOptions{
		MetadataPath:     metaPath,
		OnMetadataChange: func() error { return errors.New("boom") },
	})
	srv.HandleChanges([]string{metaPath})
}

func TestWatchPaths(t *testing.T) {
	srv := NewServer(testRewriter(), ServeOptions{SiteDir: "public", MetadataPath: filepath.Join("data", "meta.yaml")})
	got := srv.WatchPaths()
	if len(got) != 2 || got[0] != "public" || got[1] != "data" {
		t.Errorf("got %v, want [public data]", got)
	}
}

// ---------- WebSocket Hub Tests ----------

func TestHub_ReloadReachesClient(t *testing.T) {
	srv := NewServer(testRewriter(), ServeOptions{SiteDir: t.TempDir()})
	go srv.hub.Run()
	defer srv.hub.Stop()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + ReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for srv.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	srv.HandleChanges([]string{"index.html"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "reload" {
		t.Errorf("got %q, want %q", msg, "reload")
	}
}

func TestHub_ReloadDoesNotBlock(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	done := make(chan struct{})
	go func() {
		for range 100 {
			hub.Reload()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Reload blocked with no clients")
	}
}

func TestHub_StopIsIdempotent(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Stop()
	hub.Stop()
}

// ---------- Watcher Tests ----------

func TestWatcher_DebouncesAndReportsPaths(t *testing.T) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "page.html")
	if err := os.WriteFile(testFile, []byte("initial"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var calls [][]string
	w := NewWatcher([]string{dir}, 100*time.Millisecond, func(changed []string) {
		mu.Lock()
		calls = append(calls, changed)
		mu.Unlock()
	})

	go func() {
		if err := w.Start(); err != nil {
			t.Logf("watcher start error: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	for i := range 5 {
		if err := os.WriteFile(testFile, fmt.Appendf(nil, "change %d", i), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "page.html.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("expected at least one onChange callback")
	}
	if len(calls) >= 5 {
		t.Errorf("expected debouncing to reduce callbacks, got %d for 5 changes", len(calls))
	}
	for _, changed := range calls {
		for _, name := range changed {
			if strings.HasSuffix(name, ".swp") {
				t.Errorf("scratch file reported: %s", name)
			}
		}
	}
	if calls[0][0] != filepath.Clean(testFile) {
		t.Errorf("changed: got %v, want %s", calls[0], testFile)
	}
}

func TestWatcher_NonexistentPaths(t *testing.T) {
	w := NewWatcher([]string{"/nonexistent/path/that/does/not/exist"}, 100*time.Millisecond, func([]string) {})
	go func() {
		_ = w.Start()
	}()
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestIsScratchFile(t *testing.T) {
	tests := map[string]bool{
		"page.html":       false,
		".#page.html":     true,
		"page.html~":      true,
		"page.html.swp":   true,
		"attachments.tmp": true,
	}
	for name, want := range tests {
		if got := isScratchFile(name); got != want {
			t.Errorf("isScratchFile(%q): got %v, want %v", name, got, want)
		}
	}
}

// ---------- Helper ----------

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	fullPath := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
