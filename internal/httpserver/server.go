package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"github.com/tinytelemetry/dirigera-exporter/internal/telemetry"
	"k8s.io/klog/v2"
)

// Config configures the scrape server.
type Config struct {
	// Addr is the listen address. Defaults to 0.0.0.0:8080.
	Addr string
	// WebPath prefixes every route, e.g. "/dirigera". Empty serves at the root.
	WebPath string
	// Hostname is the public host name requests must carry. Empty disables
	// the check.
	Hostname string
	// SecurityContact is the Contact line of security.txt. Empty disables
	// the route.
	SecurityContact string
	// DevMode disables host enforcement and forwarded-header trust.
	DevMode bool
	// Verbose logs every request.
	Verbose bool
}

// Server serves the registry to Prometheus.
type Server struct {
	cfg      Config
	gatherer prometheus.Gatherer
	reg      *registry.Registry
	state    model.StateReader
	metrics  *telemetry.Metrics

	promHandler http.Handler
	server      *http.Server
	ctx         context.Context
	cancel      context.CancelFunc
	startTime   time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a scrape server. reg is only consulted to refuse
// scrapes after shutdown; gatherer renders the response. metrics may be nil.
func NewServer(cfg Config, gatherer prometheus.Gatherer, reg *registry.Registry, state model.StateReader, metrics *telemetry.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf("0.0.0.0:%d", model.DefaultListenPort)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		gatherer: gatherer,
		reg:      reg,
		state:    state,
		metrics:  metrics,
		promHandler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog:      promLogger{},
			ErrorHandling: promhttp.ContinueOnError,
		}),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	_ = r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	if s.cfg.Verbose {
		r.Use(gin.Logger())
	}
	r.Use(s.instrument(), securityHeaders())
	if !s.cfg.DevMode {
		r.Use(trustOneProxy())
	}

	// Scrapers and container health checks address the pod directly, so
	// only the public pages are bound to the configured host name.
	g := r.Group(s.cfg.WebPath)
	g.GET("/metrics", s.handleMetrics)
	g.GET("/healthz", s.handleHealth)

	site := g.Group("")
	if !s.cfg.DevMode {
		site.Use(s.enforceHost())
	}
	site.GET("/robots.txt", handleRobots)
	if s.cfg.SecurityContact != "" {
		site.GET("/.well-known/security.txt", s.handleSecurityTxt)
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	if !s.cfg.DevMode && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("httpserver: serve: %v", err)
		}
	}()
	klog.Infof("httpserver: listening on http://%s%s/metrics", listener.Addr(), s.cfg.WebPath)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections and waits up to 5s for in-flight
// requests to finish.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.reg != nil && s.reg.Closed() {
		c.String(http.StatusServiceUnavailable, "exporter is shutting down\n")
		return
	}
	start := time.Now()
	s.promHandler.ServeHTTP(c.Writer, c.Request)
	s.metrics.ObserveExport(time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	state := model.StateDisconnected
	ready := false
	if s.state != nil {
		state = s.state.State()
		ready = s.state.Ready()
	}

	status, code := "ok", http.StatusOK
	if !ready {
		status, code = "starting", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"state":  state.String(),
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func handleRobots(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(
		"# Stop all search engines from crawling this site\n"+
			"User-agent: *\n"+
			"Disallow: /\n"))
}

func (s *Server) handleSecurityTxt(c *gin.Context) {
	expires := s.startTime.AddDate(1, 0, 0).UTC().Format(time.RFC3339)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(fmt.Sprintf(
		"Contact: %s\nExpires: %s\nPreferred-Languages: en\n", s.cfg.SecurityContact, expires)))
}

// promLogger routes promhttp errors to klog.
type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	klog.Warningln(append([]interface{}{"httpserver: metrics:"}, v...)...)
}
