package resource

import (
	"context"

	"github.com/containerd/errdefs"

	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/storage"
)

const (
	createPoolDetails  = "success - NOP"
	deletePoolDetails  = "Current implementation does not delete local path corresponding to storage pool!"
	cleanupRuleDetails = "nothing to cleanup in our current implementation"
)

// validatePoolCommand returns the pool's local path when it is a local file
// system pool that exists.
func validatePoolCommand(body []byte) (model.StoragePoolCommand, string, error) {
	var cmd model.StoragePoolCommand
	if err := model.Decode(body, &cmd); err != nil {
		return cmd, "", err
	}
	localPath := cmd.LocalPath
	if localPath == "" {
		localPath = cmd.Pool.Path
	}
	if poolType, ok := model.ParseStoragePoolType(cmd.Pool.Type); !ok || poolType != model.PoolFilesystem {
		return cmd, "", reject(errdefs.ErrInvalidArgument,
			"Request to create / modify unsupported pool type: %s", orNULL(cmd.Pool.Type))
	}
	if !storage.DirExists(localPath) {
		return cmd, "", reject(errdefs.ErrNotFound,
			"Request to create / modify unsupported StoragePoolType.Filesystem with non-existent path: %s", orNULL(localPath))
	}
	return cmd, localPath, nil
}

func (r *Resource) modifyStoragePool(_ context.Context, body []byte) (model.Outcome, error) {
	cmd, localPath, err := validatePoolCommand(body)
	if err != nil {
		return nil, err
	}
	usage, err := r.capacity.ForLocalPath(localPath)
	if err != nil {
		return nil, err
	}
	hostPath := cmd.Pool.Path
	if hostPath == "" {
		hostPath = localPath
	}
	return &model.ModifyStoragePoolAnswer{
		Answer: model.Succeeded(),
		PoolInfo: &model.StoragePoolInfo{
			UUID:           cmd.Pool.UUID,
			Host:           cmd.Pool.Host,
			LocalPath:      localPath,
			HostPath:       hostPath,
			PoolType:       cmd.Pool.Type,
			CapacityBytes:  usage.CapacityBytes,
			AvailableBytes: usage.AvailableBytes,
		},
		TemplateInfo: map[string]string{},
	}, nil
}

func (r *Resource) createStoragePool(_ context.Context, body []byte) (model.Outcome, error) {
	if _, _, err := validatePoolCommand(body); err != nil {
		return nil, err
	}
	ans := model.Acknowledged(true, createPoolDetails)
	return &ans, nil
}

func (r *Resource) deleteStoragePool(_ context.Context, body []byte) (model.Outcome, error) {
	if _, _, err := validatePoolCommand(body); err != nil {
		return nil, err
	}
	ans := model.Acknowledged(true, deletePoolDetails)
	return &ans, nil
}

func (r *Resource) cleanupNetworkRules(context.Context, []byte) (model.Outcome, error) {
	ans := model.Acknowledged(false, cleanupRuleDetails)
	return &ans, nil
}

func acknowledge(context.Context, []byte) (model.Outcome, error) {
	ans := model.Succeeded()
	return &ans, nil
}

func setup(context.Context, []byte) (model.Outcome, error) {
	return &model.SetupAnswer{Answer: model.Succeeded()}, nil
}
