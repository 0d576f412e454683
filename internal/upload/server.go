package upload

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Server handles HTTP requests for the upload queue, extraction and history
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			// Ensure CORS headers are set before error response
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="OCR Table"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleControllers serves controller JavaScript files with correct MIME type
func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers for JavaScript modules
	setCORSHeaders(w)

	fs := http.FS(getControllersFS())
	fileServer := http.FileServer(fs)

	// Set correct MIME type for JavaScript modules
	if strings.HasSuffix(r.URL.Path, ".js") {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	}
	// Strip the /static/controllers/ prefix to get just the filename
	r.URL.Path = strings.TrimPrefix(r.URL.Path, "/static/controllers/")
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}
	fileServer.ServeHTTP(w, r)
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	// Static files (CSS, JS, controllers) - register prefix routes first
	s.mux.HandleFunc("GET /static/controllers/", s.requireAuth(s.handleControllers))
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	// API endpoints - recognition proxy and route catalogue
	s.mux.HandleFunc("GET /api/providers", s.requireAuth(s.handleListProviders))
	s.mux.HandleFunc("POST /api/ocr", s.requireAuth(s.handleRecognize))

	// API endpoints - upload queue (most specific paths first)
	s.mux.HandleFunc("GET /api/files/{id}/preview", s.requireAuth(s.handleFilePreview))
	s.mux.HandleFunc("DELETE /api/files/{id}", s.requireAuth(s.handleDeleteFile))
	s.mux.HandleFunc("GET /api/files", s.requireAuth(s.handleListFiles))
	s.mux.HandleFunc("POST /api/files", s.requireAuth(s.handleUploadFiles))
	s.mux.HandleFunc("DELETE /api/files", s.requireAuth(s.handleDeleteAllFiles))

	// API endpoints - extraction
	s.mux.HandleFunc("GET /api/extract", s.requireAuth(s.handleExtractionStatus))
	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleStartExtraction))

	// API endpoints - batch history
	s.mux.HandleFunc("GET /api/batches/{id}/export.xlsx", s.requireAuth(s.handleExportXLSX))
	s.mux.HandleFunc("GET /api/batches/{id}/export.tsv", s.requireAuth(s.handleExportTSV))
	s.mux.HandleFunc("GET /api/batches/{id}", s.requireAuth(s.handleGetBatch))
	s.mux.HandleFunc("DELETE /api/batches/{id}", s.requireAuth(s.handleDeleteBatch))
	s.mux.HandleFunc("GET /api/batches", s.requireAuth(s.handleListBatches))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /", s.requireAuth(s.handleIndex))
}

// Handler returns the mux wrapped with CORS handling for all requests including OPTIONS
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(s.mux.ServeHTTP)(w, r)
	})
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	case err := <-serverErr:
		return err
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
