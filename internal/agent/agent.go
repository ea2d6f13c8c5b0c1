package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"kvm-resource-agent/internal/agent/version"
	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/libvirt"
	libvirtvm "kvm-resource-agent/internal/libvirt/vm"
	"kvm-resource-agent/internal/objectstore"
	"kvm-resource-agent/internal/resource"
	"kvm-resource-agent/internal/system"
	"kvm-resource-agent/internal/transport"
)

type Agent struct {
	cfg       config.Config
	logger    *logrus.Entry
	conn      *libvirt.ConnManager
	handler   http.Handler
	accessLog io.Closer
	grpc      *grpc.Server
	health    *HealthStatus
}

// New wires the agent. It fails when the configured private or storage IP is
// not carried by a local interface.
func New(cfg config.Config, logger *logrus.Logger) (*Agent, error) {
	entry := logger.WithFields(logrus.Fields{"node_id": cfg.NodeID})

	host, err := ResolveHost(cfg.Host, system.Interfaces{})
	if err != nil {
		return nil, fmt.Errorf("resolve host identity: %w", err)
	}

	conn := libvirt.NewConnManager(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, entry)
	controller := libvirtvm.NewController(conn, entry, libvirtvm.Options{
		GuestBridge:       cfg.GuestBridge,
		QemuImgPath:       cfg.QemuImgPath,
		DefaultDiskFolder: cfg.Host.DefaultDiskFolder,
	})

	health := NewHealthStatus()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_libvirt_connected",
			Help: "Whether the last libvirt health check succeeded.",
		}, func() float64 {
			if health.LibvirtConnected() {
				return 1
			}
			return 0
		}),
	)

	res := resource.New(host, resource.Deps{
		Hypervisor: controller,
		Capacity:   system.NewCapacityReader(cfg.Host.RootDeviceName, cfg.Host.RootDeviceReservedSpaceBytes),
		Network:    system.Interfaces{},
		Objects:    objectstore.NewClient(entry),
		HTTPClient: &http.Client{Timeout: cfg.DownloadTimeout},
		Metrics:    resource.NewMetrics(registry),
		Logger:     entry,
	})

	handler, accessLog := transport.NewHTTPHandler(res, transport.HTTPOptions{
		Controller: cfg.ControllerName,
		Gatherer:   registry,
		Health:     health.Snapshot,
		Version:    func() any { return version.Get(cfg) },
		Logger:     entry,
	})

	a := &Agent{
		cfg:       cfg,
		logger:    entry,
		conn:      conn,
		handler:   handler,
		accessLog: accessLog,
		health:    health,
	}
	if cfg.GRPCListenAddr != "" {
		a.grpc = transport.NewGRPCServer(res, entry)
	}
	entry.WithField("commands", len(res.Commands())).Debug("command dispatcher ready")
	return a, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.WithFields(logrus.Fields{
		"libvirt_uri": a.cfg.LibvirtURI,
		"http_addr":   a.cfg.HTTPListenAddr,
		"controller":  a.cfg.ControllerName,
	}).Info("starting " + config.AgentName)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.WithFields(logrus.Fields{
			"signal":  sig.String(),
			"timeout": a.cfg.ShutdownTimeout,
		}).Info("shutdown signal received, starting graceful shutdown")
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.WithField("signal", sig2.String()).Warn("second signal received, forcing immediate shutdown")
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.WithField("timeout", a.cfg.ShutdownTimeout).Warn("graceful shutdown timeout reached, forcing shutdown")
			runErr = context.DeadlineExceeded
		}
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info(config.AgentName + " stopped")
	return nil
}

// BuildLogger returns a logger writing to stdout in the configured format.
func BuildLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
