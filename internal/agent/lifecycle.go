package agent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kvm-resource-agent/internal/transport"
)

func (a *Agent) run(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		return fmt.Errorf("initial libvirt connect: %w", err)
	}
	a.health.SetLibvirtConnected(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.health.SetServing(true)
		defer a.health.SetServing(false)
		return transport.ServeHTTP(gctx, a.cfg.HTTPListenAddr, a.handler, a.cfg.ShutdownTimeout, a.logger)
	})
	if a.grpc != nil {
		g.Go(func() error {
			return transport.ServeGRPC(gctx, a.cfg.GRPCListenAddr, a.grpc, a.cfg.ShutdownTimeout, a.logger)
		})
	}
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthChecker interface {
	Healthy(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	return healthLoop(ctx, a.conn, a.health, a.cfg.HealthInterval, a.logger)
}

func (a *Agent) shutdown() {
	if err := a.accessLog.Close(); err != nil {
		a.logger.WithError(err).Warn("access log close failed")
	}
	if err := a.conn.Close(); err != nil {
		a.logger.WithError(err).Warn("libvirt close failed")
	}
	a.health.SetLibvirtConnected(false)
}
