package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"kvm-resource-agent/internal/resource"
)

// GRPCServicePrefix is prepended to the command name to form the full
// method, e.g. /kvmresource.v1.Resource/ReadyCommand.
const GRPCServicePrefix = "/kvmresource.v1.Resource/"

// JSONCodec carries request and response bodies as plain JSON instead of
// protobuf, so gRPC clients send the same documents as HTTP clients.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal keeps request bodies verbatim so a malformed document reaches the
// command and is answered like one sent over HTTP.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewGRPCServer serves every command as a unary-style method on a single
// service without generated stubs.
func NewGRPCServer(d Dispatcher, logger *logrus.Entry) *grpc.Server {
	logger = logger.WithField("component", "grpc")
	return grpc.NewServer(
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
			return serveCommand(d, logger, stream)
		}),
	)
}

func serveCommand(d Dispatcher, logger *logrus.Entry, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method not found in stream")
	}
	name, ok := strings.CutPrefix(method, GRPCServicePrefix)
	if !ok || name == "" {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	var body json.RawMessage
	if err := stream.RecvMsg(&body); err != nil {
		return status.Errorf(codes.InvalidArgument, "read request: %v", err)
	}

	id := incomingRequestID(stream.Context())
	_ = stream.SetHeader(metadata.Pairs(strings.ToLower(RequestIDHeader), id))
	ctx := resource.WithRequestID(stream.Context(), id)

	env, known := d.Dispatch(ctx, name, body)
	if !known {
		logger.WithField("method", method).Warn("unsupported command")
		return status.Errorf(codes.Unimplemented, "Unsupported command %s", name)
	}
	return stream.SendMsg(env)
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(strings.ToLower(RequestIDHeader)); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return ulid.Make().String()
}

// ServeGRPC runs srv on addr until ctx ends, then stops it gracefully within
// grace.
func ServeGRPC(ctx context.Context, addr string, srv *grpc.Server, grace time.Duration, logger *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc endpoint %s: %w", addr, err)
	}
	logger.WithField("addr", ln.Addr().String()).Info("grpc endpoint listening")
	return serveGRPCListener(ctx, ln, srv, grace)
}

func serveGRPCListener(ctx context.Context, ln net.Listener, srv *grpc.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve grpc endpoint: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-stopped:
	case <-t.C:
		srv.Stop()
	}
	return nil
}
