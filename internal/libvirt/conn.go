package libvirt

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
)

// ConnManager owns the single libvirt RPC connection shared by every request.
// A dropped connection is noticed through the client's disconnect channel and
// re-dialed on the next Client call.
type ConnManager struct {
	mu        sync.RWMutex
	client    *golibvirt.Libvirt
	uri       string
	logger    *logrus.Entry
	retryWait time.Duration
	maxJitter time.Duration
}

func NewConnManager(uri string, retryWait, maxJitter time.Duration, logger *logrus.Entry) *ConnManager {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &ConnManager{
		uri:       uri,
		logger:    logger.WithField("component", "libvirt"),
		retryWait: retryWait,
		maxJitter: maxJitter,
	}
}

// Connect dials libvirt, retrying with jitter until it succeeds or ctx ends.
func (m *ConnManager) Connect(ctx context.Context) error {
	return m.connectWithRetry(ctx)
}

// Client returns the shared connection, dialing once if there is none. A
// failed dial is returned to the caller rather than retried.
func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	return m.dial(ctx)
}

func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.dropLocked()
	m.mu.Unlock()
	return m.connectWithRetry(ctx)
}

func (m *ConnManager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

func (m *ConnManager) Healthy(ctx context.Context) error {
	c, err := m.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func (m *ConnManager) dropLocked() {
	if m.client == nil {
		return
	}
	if err := m.client.Disconnect(); err != nil {
		m.logger.WithError(err).Warn("libvirt disconnect failed")
	}
	m.client = nil
}

// dial makes a single connection attempt. The lock is held only for that
// attempt so concurrent callers see the result instead of queueing behind
// retries.
func (m *ConnManager) dial(ctx context.Context) (*golibvirt.Libvirt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uri, err := m.parseURI()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	c, err := golibvirt.ConnectToURI(uri)
	if err != nil {
		return nil, fmt.Errorf("connect libvirt %s: %w", uri.Redacted(), err)
	}
	m.client = c
	m.logger.WithField("uri", uri.Redacted()).Info("libvirt connected")
	go m.watch(c)
	return c, nil
}

func (m *ConnManager) connectWithRetry(ctx context.Context) error {
	for {
		_, err := m.dial(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		wait := m.retryWait + m.jitter()
		m.logger.WithField("retry_in", wait.String()).WithError(err).Error("libvirt connect failed")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// watch forgets c once libvirt closes it so the next caller re-dials.
func (m *ConnManager) watch(c *golibvirt.Libvirt) {
	<-c.Disconnected()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == c {
		m.logger.Warn("libvirt connection lost")
		m.client = nil
	}
}

func (m *ConnManager) parseURI() (*url.URL, error) {
	raw := m.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		uri, err = url.Parse(string(golibvirt.QEMUSystem))
		if err != nil {
			return nil, fmt.Errorf("parse fallback uri: %w", err)
		}
	}
	return uri, nil
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter == 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(m.maxJitter)))
}
