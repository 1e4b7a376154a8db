// Package service runs the ingestion loop and the scrape server side by side
// in one process, sharing a single registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tinytelemetry/dirigera-exporter/internal/httpserver"
	"github.com/tinytelemetry/dirigera-exporter/internal/ingest"
	"github.com/tinytelemetry/dirigera-exporter/internal/mapping"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"github.com/tinytelemetry/dirigera-exporter/internal/socketrpc"
	"github.com/tinytelemetry/dirigera-exporter/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config assembles the per-component settings.
type Config struct {
	HTTP   httpserver.Config
	Ingest ingest.Config
	// SocketPath enables the admin socket when set.
	SocketPath string
	Version    string
	Commit     string
}

// Service owns every long-lived component.
type Service struct {
	cfg     Config
	reg     *registry.Registry
	prom    *prometheus.Registry
	metrics *telemetry.Metrics
	tr      *ingest.Translator
	loop    *ingest.Loop
	server  *httpserver.Server
	sock    *socketrpc.Server

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

var _ socketrpc.Inspector = (*Service)(nil)

// New wires the components. Nothing runs until Start.
func New(cfg Config, hub model.HubClient, table *mapping.Table) *Service {
	reg := registry.New()

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		reg.Collector(),
	)
	metrics := telemetry.New(prom, cfg.Version, cfg.Commit)

	tr := ingest.NewTranslator(reg, table, metrics)
	loop := ingest.NewLoop(hub, tr, metrics, cfg.Ingest)

	s := &Service{
		cfg:     cfg,
		reg:     reg,
		prom:    prom,
		metrics: metrics,
		tr:      tr,
		loop:    loop,
	}
	s.server = httpserver.NewServer(cfg.HTTP, prom, reg, loop, metrics)
	if cfg.SocketPath != "" {
		s.sock = socketrpc.NewServer(cfg.SocketPath, s)
	}
	return s
}

// Start binds the scrape server, opens the admin socket and launches the
// ingestion loop. A scrape server bind failure is fatal; an admin socket
// failure is only logged.
func (s *Service) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start scrape server: %w", err)
	}
	if s.sock != nil {
		if err := s.sock.Start(); err != nil {
			klog.Warningf("service: admin socket disabled: %v", err)
			s.sock = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group = new(errgroup.Group)
	s.group.Go(func() error { return s.loop.Run(ctx) })
	return nil
}

// Shutdown stops scrapes and drains in-flight ones, cancels ingestion, then
// closes the registry. It is safe to call more than once.
func (s *Service) Shutdown() error {
	s.stopOnce.Do(func() {
		var errs []error
		if err := s.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop scrape server: %w", err))
		}
		if s.cancel != nil {
			s.cancel()
			if err := s.group.Wait(); err != nil {
				errs = append(errs, fmt.Errorf("ingest: %w", err))
			}
		}
		s.reg.Close()
		if s.sock != nil {
			s.sock.Stop()
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

// Run starts the service and shuts it down once ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	klog.Info("service: shutting down")
	return s.Shutdown()
}

// Addr returns the scrape server address.
func (s *Service) Addr() string { return s.server.Addr() }

// Registry returns the shared registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// State returns the ingestion loop's view of the hub connection.
func (s *Service) State() model.StateReader { return s.loop }

// Status summarises the exporter for the admin socket.
func (s *Service) Status() model.Status {
	return model.Status{
		State:   s.loop.State(),
		Ready:   s.loop.Ready(),
		Devices: s.tr.Len(),
		Samples: s.reg.Len(),
		Since:   s.loop.Since(),
	}
}

// Snapshot returns the samples whose metric name starts with prefix.
func (s *Service) Snapshot(prefix string) ([]registry.Sample, error) {
	snap, err := s.reg.Snapshot()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return snap.Samples, nil
	}
	out := make([]registry.Sample, 0, len(snap.Samples))
	for _, sample := range snap.Samples {
		if strings.HasPrefix(sample.Identity.Name, prefix) {
			out = append(out, sample)
		}
	}
	return out, nil
}

// Devices returns the devices currently known to the translator.
func (s *Service) Devices() []model.Device { return s.loop.Devices() }
