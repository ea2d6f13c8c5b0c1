package resource

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/model"
)

// rejection is an expected failure whose message goes to the orchestrator
// as is, without the command prefix.
type rejection struct {
	msg   string
	cause error
}

func (r *rejection) Error() string { return r.msg }

func (r *rejection) Unwrap() error { return r.cause }

func reject(cause error, format string, args ...any) error {
	return &rejection{msg: fmt.Sprintf(format, args...), cause: cause}
}

// run calls the handler and turns a returned error or a panic into a failed
// answer of the command's payload type. It never lets either escape.
func (r *Resource) run(ctx context.Context, name string, cmd command, body []byte) (out model.Outcome, label string) {
	logger := r.logger.WithField("command", name)
	if rid, ok := RequestIDFromContext(ctx); ok {
		logger = logger.WithField("request_id", rid)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithFields(logrus.Fields{
				"panic": p,
				"stack": string(debug.Stack()),
			}).Error("command panicked")
			out = cmd.empty()
			out.SetStatus(model.Failed(fmt.Sprintf("%s failed due to panic: %v", name, p)))
			label = labelPanic
		}
	}()

	out, err := cmd.handle(ctx, body)
	if err != nil {
		details := failureDetails(name, cmd.prefix, err)
		logger.WithError(err).Error(details)
		if out == nil {
			out = cmd.empty()
		}
		out.SetStatus(model.Failed(details))
		return out, labelFalse
	}
	if out == nil {
		out = cmd.empty()
		out.SetStatus(model.Succeeded())
	}

	status := out.Status()
	logger.WithField("result", status.Result).Info("command completed")
	if status.Result {
		return out, labelTrue
	}
	return out, labelFalse
}

func failureDetails(name, prefix string, err error) string {
	var rej *rejection
	switch {
	case errors.As(err, &rej):
		return rej.msg
	case errors.Is(err, model.ErrMalformed):
		return name + " failed due to " + err.Error()
	default:
		return prefix + err.Error()
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx with the transport request id for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
