// Package transport exposes the command dispatcher over HTTP and gRPC.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/resource"
)

const (
	RequestIDHeader = "X-Request-Id"

	defaultMaxBody = 64 << 20
)

// Dispatcher runs a named command. ok is false for unknown commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, body []byte) (env model.Envelope, ok bool)
}

type HTTPOptions struct {
	Controller string
	// MaxBodyBytes caps request bodies; 0 means 64 MiB.
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Health       func() map[string]any
	Version      func() any
	Logger       *logrus.Entry
}

type httpAPI struct {
	dispatcher Dispatcher
	opts       HTTPOptions
	logger     *logrus.Entry
}

// NewHTTPHandler builds the router and its middleware chain. The returned
// closer releases the access log writer.
func NewHTTPHandler(d Dispatcher, opts HTTPOptions) (http.Handler, io.Closer) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "http")
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	api := &httpAPI{dispatcher: d, opts: opts, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/api/{controller}", api.describe).Methods(http.MethodGet)
	r.HandleFunc("/api/{controller}/{command}", api.command).Methods(http.MethodPost)
	r.HandleFunc("/healthz", api.health).Methods(http.MethodGet)
	r.HandleFunc("/version", api.version).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	accessLog := logger.WriterLevel(logrus.InfoLevel)
	chain := alice.New(
		requestID,
		func(h http.Handler) http.Handler { return handlers.CombinedLoggingHandler(accessLog, h) },
		handlers.CompressHandler,
		handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(true)),
	)
	return chain.Then(r), accessLog
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(resource.WithRequestID(r.Context(), id)))
	})
}

func (a *httpAPI) controllerMatches(w http.ResponseWriter, r *http.Request) (string, bool) {
	controller := mux.Vars(r)["controller"]
	if !strings.EqualFold(controller, a.opts.Controller) {
		http.NotFound(w, r)
		return "", false
	}
	return controller, true
}

func (a *httpAPI) describe(w http.ResponseWriter, r *http.Request) {
	controller, ok := a.controllerMatches(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s controller, use POST to send JSON encoded objects", controller)
}

func (a *httpAPI) command(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.controllerMatches(w, r); !ok {
		return
	}
	name := mux.Vars(r)["command"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		code, reason := http.StatusBadRequest, "could not read request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code, reason = http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		}
		a.logger.WithError(err).WithField("command", name).Warn("request body rejected")
		ans := model.Failed(name + " failed due to malformed request: " + reason)
		a.writeJSON(w, code, model.Wrap(model.TagAnswer, &ans))
		return
	}

	env, ok := a.dispatcher.Dispatch(r.Context(), name, body)
	status := http.StatusOK
	if !ok {
		status = http.StatusMethodNotAllowed
	}
	a.writeJSON(w, status, env)
}

func (a *httpAPI) health(w http.ResponseWriter, _ *http.Request) {
	snapshot := map[string]any{}
	if a.opts.Health != nil {
		snapshot = a.opts.Health()
	}
	a.writeJSON(w, http.StatusOK, snapshot)
}

func (a *httpAPI) version(w http.ResponseWriter, _ *http.Request) {
	var v any = map[string]any{}
	if a.opts.Version != nil {
		v = a.opts.Version()
	}
	a.writeJSON(w, http.StatusOK, v)
}

func (a *httpAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.WithError(err).Error("encode response")
		http.Error(w, "could not encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// ServeHTTP listens on addr until ctx ends, then drains in-flight requests
// for at most grace.
func ServeHTTP(ctx context.Context, addr string, h http.Handler, grace time.Duration, logger *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http endpoint %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	logger.WithField("addr", ln.Addr().String()).Info("http endpoint listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http endpoint %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not complete")
		_ = srv.Close()
	}
	return nil
}
