// Package resource translates orchestrator commands into hypervisor and
// file-system operations and shapes the results into answer envelopes.
package resource

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/hypervisor"
	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/system"
)

type CapacityReader interface {
	ForLocalPath(path string) (system.DiskUsage, error)
}

type NetworkInspector interface {
	NICForIP(ip string) (system.NIC, error)
	Counters(name string) (system.NetCounters, error)
}

type ObjectStore interface {
	Get(ctx context.Context, store *model.S3TO, key string) (io.ReadCloser, error)
}

type Deps struct {
	Hypervisor hypervisor.Adapter
	Capacity   CapacityReader
	Network    NetworkInspector
	Objects    ObjectStore
	HTTPClient *http.Client
	Metrics    *Metrics
	Logger     *logrus.Entry
}

type handlerFunc func(ctx context.Context, body []byte) (model.Outcome, error)

type command struct {
	tag string
	// prefix leads the details of unexpected failures.
	prefix string
	handle handlerFunc
	// empty builds the payload used when handle returns no payload.
	empty func() model.Outcome
}

// Resource dispatches commands by name. It keeps no state between requests
// beyond the host snapshot it was built with.
type Resource struct {
	host     config.Host
	hv       hypervisor.Adapter
	capacity CapacityReader
	network  NetworkInspector
	objects  ObjectStore
	http     *http.Client
	metrics  *Metrics
	logger   *logrus.Entry
	commands map[string]command
}

func New(host config.Host, deps Deps) *Resource {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	r := &Resource{
		host:     host,
		hv:       deps.Hypervisor,
		capacity: deps.Capacity,
		network:  deps.Network,
		objects:  deps.Objects,
		http:     httpClient,
		metrics:  deps.Metrics,
		logger:   logger.WithField("component", "resource"),
	}
	r.commands = r.registry()
	return r
}

func plain() model.Outcome { return &model.Answer{} }

func (r *Resource) registry() map[string]command {
	failedDueTo := func(name string) string { return name + " failed due to " }
	return map[string]command{
		model.CmdStart: {
			tag: model.TagStartAnswer, prefix: "StartCommand fail on exception: ", handle: r.start,
			empty: func() model.Outcome { return &model.StartAnswer{} },
		},
		model.CmdStop: {
			tag: model.TagStopAnswer, prefix: "StopCommand fail on exception: ", handle: r.stop,
			empty: func() model.Outcome { return &model.StopAnswer{} },
		},
		model.CmdCreate: {
			tag: model.TagCreateAnswer, prefix: failedDueTo(model.CmdCreate), handle: r.create,
			empty: func() model.Outcome { return &model.CreateAnswer{} },
		},
		model.CmdDestroy: {
			tag: model.TagAnswer, prefix: failedDueTo(model.CmdDestroy), handle: r.destroy, empty: plain,
		},
		model.CmdPrimaryStorageDownload: {
			tag: model.TagPrimaryStorageDownloadAnswer, prefix: failedDueTo(model.CmdPrimaryStorageDownload),
			handle: r.primaryStorageDownload,
			empty:  func() model.Outcome { return &model.PrimaryStorageDownloadAnswer{} },
		},
		model.CmdCopy: {
			tag: model.TagCopyCmdAnswer, prefix: failedDueTo(model.CmdCopy), handle: r.copy,
			empty: func() model.Outcome { return &model.CopyCmdAnswer{} },
		},
		model.CmdCheckVirtualMachine: {
			tag: model.TagCheckVirtualMachineAnswer, prefix: failedDueTo(model.CmdCheckVirtualMachine),
			handle: r.checkVirtualMachine,
			empty:  func() model.Outcome { return &model.CheckVirtualMachineAnswer{} },
		},
		model.CmdGetVMStats: {
			tag: model.TagGetVMStatsAnswer, prefix: failedDueTo(model.CmdGetVMStats), handle: r.getVMStats,
			empty: func() model.Outcome { return &model.GetVMStatsAnswer{VMInfos: map[string]model.VMStatsEntry{}} },
		},
		model.CmdGetStorageStats: {
			tag: model.TagGetStorageStatsAnswer, prefix: "GetStorageStatsCommand failed on exception: ",
			handle: r.getStorageStats,
			empty:  func() model.Outcome { return &model.GetStorageStatsAnswer{} },
		},
		model.CmdGetHostStats: {
			tag: model.TagGetHostStatsAnswer, prefix: "GetHostStatsCommand failed on exception: ",
			handle: r.getHostStats,
			empty:  func() model.Outcome { return &model.GetHostStatsAnswer{} },
		},
		model.CmdModifyStoragePool: {
			tag: model.TagModifyStoragePoolAnswer, prefix: failedDueTo(model.CmdModifyStoragePool),
			handle: r.modifyStoragePool,
			empty:  func() model.Outcome { return &model.ModifyStoragePoolAnswer{} },
		},
		model.CmdCreateStoragePool: {
			tag: model.TagAnswer, prefix: failedDueTo(model.CmdCreateStoragePool), handle: r.createStoragePool, empty: plain,
		},
		model.CmdDeleteStoragePool: {
			tag: model.TagAnswer, prefix: failedDueTo(model.CmdDeleteStoragePool), handle: r.deleteStoragePool, empty: plain,
		},
		model.CmdCleanupNetworkRules: {
			tag: model.TagAnswer, prefix: failedDueTo(model.CmdCleanupNetworkRules), handle: r.cleanupNetworkRules, empty: plain,
		},
		model.CmdCheckNetwork: {
			tag: model.TagCheckNetworkAnswer, prefix: failedDueTo(model.CmdCheckNetwork), handle: acknowledge, empty: plain,
		},
		model.CmdReady: {
			tag: model.TagReadyAnswer, prefix: failedDueTo(model.CmdReady), handle: acknowledge, empty: plain,
		},
		model.CmdCheckHealth: {
			tag: model.TagCheckHealthAnswer, prefix: failedDueTo(model.CmdCheckHealth), handle: acknowledge, empty: plain,
		},
		model.CmdSetup: {
			tag: model.TagSetupAnswer, prefix: failedDueTo(model.CmdSetup), handle: setup,
			empty: func() model.Outcome { return &model.SetupAnswer{} },
		},
	}
}

// Commands lists every command name Dispatch understands.
func (r *Resource) Commands() []string {
	names := make([]string, 0, len(r.commands)+1)
	for name := range r.commands {
		names = append(names, name)
	}
	names = append(names, model.CmdStartup)
	sort.Strings(names)
	return names
}

// Dispatch runs the named command. The envelope is always well formed; the
// boolean is false only when the command name is unknown.
func (r *Resource) Dispatch(ctx context.Context, name string, body []byte) (model.Envelope, bool) {
	start := time.Now()
	if name == model.CmdStartup {
		env := r.startup(ctx, body)
		r.metrics.observe(name, resultLabel(env), time.Since(start))
		return env, true
	}

	cmd, ok := r.commands[name]
	if !ok {
		r.logger.WithField("command", name).Warn("unsupported command")
		r.metrics.observe("unknown", labelUnsupported, time.Since(start))
		ans := model.Failed("Unsupported command " + name)
		return model.Wrap(model.TagUnsupportedAnswer, &ans), false
	}

	out, label := r.run(ctx, name, cmd, body)
	r.metrics.observe(name, label, time.Since(start))
	return model.Wrap(cmd.tag, out), true
}

func resultLabel(env model.Envelope) string {
	if len(env) == 0 {
		return labelFalse
	}
	if a, ok := env[0][env.Tag()].(model.Outcome); ok && !a.Status().Result {
		return labelFalse
	}
	return labelTrue
}
