package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/hypervisor"
	"kvm-resource-agent/internal/model"
)

func (r *Resource) start(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.StartCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	ans := &model.StartAnswer{VM: cmd.Raw}

	vm, err := r.hv.CreateVM(ctx, vmSpec(cmd.VM))
	if err != nil {
		return ans, err
	}
	r.logger.WithFields(logrus.Fields{
		"vm_name": vm.Name,
		"vm_uuid": vm.UUID,
		"state":   vm.State,
	}).Info("vm deployed")
	ans.SetStatus(model.Succeeded())
	return ans, nil
}

func vmSpec(vm model.VirtualMachineTO) hypervisor.VMSpec {
	spec := hypervisor.VMSpec{
		Name:       vm.Name,
		UUID:       vm.UUID,
		VCPUs:      vm.CPUs,
		SpeedMHz:   vm.Speed,
		MinMemoryB: vm.MinRAM,
		MaxMemoryB: vm.MaxRAM,
		Arch:       vm.Arch,
	}
	for _, d := range vm.Disks {
		kind, ok := model.ParseVolumeType(d.Type)
		if !ok {
			kind = model.VolumeUnknown
		}
		spec.Disks = append(spec.Disks, hypervisor.DiskSpec{
			Path: d.Path,
			Kind: hypervisor.DiskKind(kind),
			Slot: d.DeviceID,
		})
	}
	for _, n := range vm.NICs {
		spec.NICs = append(spec.NICs, hypervisor.NICSpec{
			Slot:   n.DeviceID,
			MAC:    n.MAC,
			VLANID: n.VLANID(),
		})
	}
	return spec
}

func (r *Resource) stop(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.StopCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	ans := &model.StopAnswer{VM: cmd.VM}

	vm, err := r.hv.LookupVM(ctx, cmd.VMName)
	if err != nil {
		return ans, err
	}
	if vm == nil {
		r.logger.WithField("vm_name", cmd.VMName).Info("stop requested for unknown vm")
		ans.SetStatus(model.Succeeded())
		return ans, nil
	}
	if err := r.hv.DestroyVM(ctx, cmd.VMName); err != nil {
		return ans, err
	}
	ans.SetStatus(model.Succeeded())
	return ans, nil
}

func (r *Resource) checkVirtualMachine(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.CheckVirtualMachineCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	vm, err := r.hv.LookupVM(ctx, cmd.VMName)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, reject(errdefs.ErrNotFound, "CheckVirtualMachineCommand requested unknown VM %s", cmd.VMName)
	}
	state := vm.State
	return &model.CheckVirtualMachineAnswer{Answer: model.Succeeded(), State: &state}, nil
}

// getVMStats always succeeds. Names the hypervisor does not know, and a
// failed summary query, leave gaps in vmInfos.
func (r *Resource) getVMStats(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.GetVMStatsCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	ans := &model.GetVMStatsAnswer{Answer: model.Succeeded(), VMInfos: map[string]model.VMStatsEntry{}}

	names := make([]string, 0, len(cmd.VMNames))
	for _, n := range cmd.VMNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return ans, nil
	}

	summaries, err := r.hv.SummaryInfo(ctx, names)
	if err != nil {
		r.logger.WithError(err).Warn("GetVmStatsCommand could not read vm summaries")
		return ans, nil
	}
	for _, s := range summaries {
		r.logger.WithFields(logrus.Fields{
			"vm_name": s.Name,
			"cpus":    s.NumCPUs,
			"load":    fmt.Sprintf("%.2f", s.CPUUtilization),
		}).Debug("vm summary")
		ans.VMInfos[s.Name] = model.VMStatsEntry{
			CPUUtilization: s.CPUUtilization,
			NumCPUs:        int(s.NumCPUs),
			EntityType:     "vm",
		}
	}
	for _, n := range names {
		if _, ok := ans.VMInfos[n]; !ok {
			r.logger.WithField("vm_name", n).Info("GetVmStatsCommand requested unknown VM")
		}
	}
	return ans, nil
}
