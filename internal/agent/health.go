package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type HealthStatus struct {
	startedAt        time.Time
	libvirtConnected atomic.Bool
	serving          atomic.Bool
	lastCheckAt      atomic.Int64
	failedChecks     atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{startedAt: time.Now().UTC()}
}

func (h *HealthStatus) SetLibvirtConnected(ok bool) {
	h.libvirtConnected.Store(ok)
}

func (h *HealthStatus) LibvirtConnected() bool {
	return h.libvirtConnected.Load()
}

func (h *HealthStatus) SetServing(ok bool) {
	h.serving.Store(ok)
}

func (h *HealthStatus) MarkCheck(ts time.Time, ok bool) {
	h.lastCheckAt.Store(ts.UnixNano())
	if !ok {
		h.failedChecks.Add(1)
	}
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"libvirt_connected": h.libvirtConnected.Load(),
		"serving":           h.serving.Load(),
		"started_at":        h.startedAt,
		"failed_checks":     h.failedChecks.Load(),
	}
	if v := h.lastCheckAt.Load(); v > 0 {
		out["last_check_at"] = time.Unix(0, v).UTC()
	}
	return out
}

// healthLoop probes libvirt every interval and re-dials after a failed probe.
func healthLoop(ctx context.Context, conn healthChecker, h *HealthStatus, interval time.Duration, logger *logrus.Entry) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			err := conn.Healthy(ctx)
			h.MarkCheck(time.Now(), err == nil)
			if err == nil {
				h.SetLibvirtConnected(true)
				logger.WithField("snapshot", h.Snapshot()).Debug("agent health")
				continue
			}

			logger.WithError(err).Warn("libvirt health check failed, reconnecting")
			h.SetLibvirtConnected(false)
			if recErr := conn.Reconnect(ctx); recErr != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(recErr).Error("libvirt reconnect failed")
				continue
			}
			h.SetLibvirtConnected(true)
			logger.Info("libvirt connection recovered")
		}
	}
}
