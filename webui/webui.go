// Package webui serves the HTTP status pages, the JSON API and the
// Prometheus metrics endpoint.
package webui

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tdewolff/minify"
	minifyhtml "github.com/tdewolff/minify/html"
	"github.com/urfave/negroni"

	_ "net/http/pprof"

	"github.com/ethpandaops/discnodoor/config"
	"github.com/ethpandaops/discnodoor/discnode"
)

//go:embed templates/*
var templateFS embed.FS

// Server is the HTTP status server.
type Server struct {
	cfg     config.WebUIConfig
	logger  logrus.FieldLogger
	service *discnode.Service

	templates *template.Template
	minifier  *minify.M

	httpSrv *http.Server
}

// NewServer creates the status server. The socket is not opened until
// Start.
func NewServer(cfg config.WebUIConfig, logger logrus.FieldLogger, service *discnode.Service) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.SiteName == "" {
		cfg.SiteName = "Discnodoor"
	}

	templates, err := template.New("").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("webui: failed to parse templates: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.WithField("module", "webui"),
		service:   service,
		templates: templates,
	}

	if cfg.Minify {
		s.minifier = minify.New()
		htmlMinifier := &minifyhtml.Minifier{KeepDocumentTags: true, KeepEndTags: true}
		s.minifier.Add("text/html", htmlMinifier)
	}

	return s, nil
}

// Start registers the routes and begins serving in the background.
func (s *Server) Start() error {
	router := mux.NewRouter()

	handler := newFrontendHandler(s)
	router.HandleFunc("/", handler.Overview).Methods("GET")
	router.HandleFunc("/nodes", handler.Nodes).Methods("GET")
	router.HandleFunc("/enr", handler.ENR).Methods("GET")
	router.HandleFunc("/api/status", handler.APIStatus).Methods("GET")
	router.HandleFunc("/api/nodes", handler.APINodes).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if s.cfg.Pprof {
		router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(router)

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		IdleTimeout: 120 * time.Second,
		Handler:     n,
	}

	s.logger.WithField("addr", s.httpSrv.Addr).Info("webui: http server listening")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("webui: http server failed")
		}
	}()

	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// render executes a page template inside the layout and minifies the
// output when enabled.
func (s *Server) render(w http.ResponseWriter, page string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, page, data); err != nil {
		s.logger.WithError(err).WithField("page", page).Error("webui: template execution failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if s.minifier != nil {
		if err := s.minifier.Minify("text/html", w, &buf); err != nil {
			s.logger.WithError(err).Warn("webui: minification failed")
		}
		return
	}

	w.Write(buf.Bytes())
}
