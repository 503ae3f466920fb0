package server

import (
	"context"
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aellingwood/webpcdn/internal/rewrite"
)

// ServeOptions contains the settings for the preview server.
type ServeOptions struct {
	Port         int
	Bind         string
	SiteDir      string
	MetadataPath string
	NoLiveReload bool
	Verbose      bool

	// OnMetadataChange runs when the file at MetadataPath changes, before
	// pages are told to reload.
	OnMetadataChange func() error
}

// Server serves a directory of rendered pages, rewriting their images on
// every request so the result can be checked in a browser.
type Server struct {
	rw       *rewrite.Rewriter
	options  ServeOptions
	counters *Counters
	hub      *Hub
	watcher  *Watcher
	server   *http.Server
}

// NewServer creates a preview Server.
func NewServer(rw *rewrite.Rewriter, opts ServeOptions) *Server {
	return &Server{
		rw:       rw,
		options:  opts,
		counters: &Counters{},
		hub:      NewHub(),
	}
}

// Counters returns the statistics of the pages served so far.
func (s *Server) Counters() *Counters {
	return s.counters
}

// Handler returns the HTTP handler of the preview server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if !s.options.NoLiveReload {
		mux.HandleFunc(ReloadPath, s.hub.HandleWS)
	}
	mux.Handle(StatusPath, StatusHandler(s.rw.Config(), s.counters))
	mux.HandleFunc("/", s.handleRequest)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()

	addr := net.JoinHostPort(s.options.Bind, fmt.Sprint(s.options.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watcher != nil {
		go func() {
			if err := s.watcher.Start(); err != nil {
				log.Printf("watcher error: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	fmt.Printf("Serving %s at http://%s\n", s.options.SiteDir, addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts down the server, the watcher and the hub.
func (s *Server) Stop() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.hub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetWatcher configures the file watcher started by Start.
func (s *Server) SetWatcher(w *Watcher) {
	s.watcher = w
}

// WatchPaths returns what the watcher should observe: the site directory and
// the directory holding the metadata file. Editors often replace files
// instead of writing them, so the file itself is not watched.
func (s *Server) WatchPaths() []string {
	paths := []string{s.options.SiteDir}
	if s.options.MetadataPath != "" {
		paths = append(paths, filepath.Dir(s.options.MetadataPath))
	}
	return paths
}

// HandleChanges is the watcher callback: it reloads metadata when the
// metadata file is among changed, then tells open pages to reload.
func (s *Server) HandleChanges(changed []string) {
	if s.options.MetadataPath != "" && s.options.OnMetadataChange != nil {
		target := filepath.Clean(s.options.MetadataPath)
		for _, name := range changed {
			if filepath.Clean(name) != target {
				continue
			}
			if err := s.options.OnMetadataChange(); err != nil {
				log.Printf("warning: reloading metadata: %v", err)
			} else if s.options.Verbose {
				log.Printf("reloaded metadata from %s", target)
			}
			break
		}
	}
	if s.options.Verbose {
		log.Printf("%d file(s) changed, reloading", len(changed))
	}
	s.hub.Reload()
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	filePath := s.resolveFilePath(r.URL.Path)
	if filePath == "" {
		s.handle404(w, r)
		return
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		s.handle404(w, r)
		return
	}

	ext := filepath.Ext(filePath)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	if ext == ".html" || ext == ".htm" || isHTMLType(contentType) {
		data = s.renderPage(r.URL.Path, data)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// renderPage rewrites a page's images and adds the live reload script.
func (s *Server) renderPage(urlPath string, data []byte) []byte {
	out, st := s.rw.RewriteStats(string(data))
	s.counters.Record(st)
	if s.options.Verbose {
		log.Printf("%s: %d of %d images converted", urlPath, st.Converted, st.Images)
	}

	data = []byte(out)
	if !s.options.NoLiveReload {
		data = InjectLiveReload(data, s.options.Port)
	}
	return data
}

// resolveFilePath maps a URL path to a file in the site directory, trying
// the path itself, then "<path>.html", then "<path>/index.html".
func (s *Server) resolveFilePath(urlPath string) string {
	cleaned := filepath.Clean("/" + urlPath)
	if strings.Contains(cleaned, "..") {
		return ""
	}
	fullPath := filepath.Join(s.options.SiteDir, filepath.FromSlash(cleaned))

	candidates := []string{fullPath, fullPath + ".html", filepath.Join(fullPath, "index.html")}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// handle404 serves the site's 404.html when there is one.
func (s *Server) handle404(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.options.SiteDir, "404.html"))
	if err != nil {
		http.Error(w, "404 page not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(s.renderPage(r.URL.Path, data))
}
