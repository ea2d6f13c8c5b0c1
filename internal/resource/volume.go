package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/model"
	"kvm-resource-agent/internal/storage"
)

const blankDiskExt = ".vhdx"

// validatePool accepts only local file-system pools whose directory exists.
func validatePool(pool model.PoolRef) error {
	poolType, ok := model.ParseStoragePoolType(pool.Type)
	if !ok || poolType != model.PoolFilesystem {
		return reject(errdefs.ErrInvalidArgument,
			"Primary storage pool %s type %s local path %s has invalid StoragePoolType", pool.UUID, pool.Type, pool.Path)
	}
	if !storage.DirExists(pool.Path) {
		return reject(errdefs.ErrInvalidArgument,
			"Primary storage pool %s type %s local path %s has invalid local path", pool.UUID, pool.Type, pool.Path)
	}
	return nil
}

func orNULL(s string) string {
	if s == "" {
		return "NULL"
	}
	return s
}

func isBareName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && name != "." && name != ".."
}

func (r *Resource) create(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.CreateCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	if err := validatePool(cmd.Pool); err != nil {
		return nil, err
	}
	if cmd.TemplateURL == "" {
		return r.createBlank(ctx, cmd)
	}
	return r.createFromTemplate(ctx, cmd)
}

func (r *Resource) createBlank(ctx context.Context, cmd model.CreateCommand) (model.Outcome, error) {
	dc := cmd.DiskCharacteristics
	if volType, ok := model.ParseVolumeType(dc.Type); !ok || volType != model.VolumeDataDisk {
		return nil, reject(errdefs.ErrInvalidArgument, "Cannot create volumes of type %s", orNULL(dc.Type))
	}
	if !isBareName(dc.Name) {
		return nil, reject(errdefs.ErrInvalidArgument, "Cannot create DATADISK with name %s", orNULL(dc.Name))
	}

	name := dc.Name + blankDiskExt
	volPath := filepath.Join(cmd.Pool.Path, name)
	if err := r.hv.CreateDynamicDisk(ctx, dc.Size, volPath); err != nil {
		return nil, err
	}
	if !storage.FileExists(volPath) {
		return nil, reject(errdefs.ErrNotFound, "Failed to create DATADISK with name %s", dc.Name)
	}

	r.logger.WithFields(logrus.Fields{
		"path": volPath,
		"size": units.BytesSize(float64(dc.Size)),
	}).Info("blank volume created")
	return &model.CreateAnswer{
		Answer: model.Succeeded(),
		Volume: volumeInfo(cmd, name, volPath, int64(dc.Size)),
	}, nil
}

// createFromTemplate copies a template already in the pool. templateUrl is
// the template's file name in the pool, never a path.
func (r *Resource) createFromTemplate(ctx context.Context, cmd model.CreateCommand) (model.Outcome, error) {
	tmpl := cmd.TemplateURL
	if !isBareName(tmpl) {
		return nil, reject(errdefs.ErrInvalidArgument,
			"Problem with templateURL %s the URL should be volume UUID in primary storage created by previous PrimaryStorageDownloadCommand", tmpl)
	}

	name := storage.NewFileName(filepath.Ext(tmpl))
	src := filepath.Join(cmd.Pool.Path, tmpl)
	dst := filepath.Join(cmd.Pool.Path, name)
	r.logger.WithFields(logrus.Fields{"template": src, "volume": dst}).Debug("copying template into new volume")

	n, err := storage.CopyFile(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	size := int64(cmd.DiskCharacteristics.Size)
	if size == 0 {
		size = n
	}
	return &model.CreateAnswer{
		Answer: model.Succeeded(),
		Volume: volumeInfo(cmd, name, dst, size),
	}, nil
}

func volumeInfo(cmd model.CreateCommand, name, volPath string, size int64) model.VolumeInfo {
	return model.VolumeInfo{
		ID:              cmd.VolID,
		Type:            cmd.DiskCharacteristics.Type,
		StoragePoolType: cmd.Pool.Type,
		StoragePoolUUID: cmd.Pool.UUID,
		Name:            name,
		MountPoint:      volPath,
		Path:            volPath,
		Size:            size,
	}
}

func (r *Resource) destroy(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.DestroyCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	volPath := cmd.Volume.Path
	if cmd.VMName != "" {
		if err := r.hv.DetachDisk(ctx, cmd.VMName, volPath); err != nil {
			r.logger.WithError(err).Warnf("could not detach disk %s from vm %s", volPath, cmd.VMName)
		}
	}
	if err := storage.Remove(volPath); err != nil {
		return nil, err
	}
	r.logger.WithField("path", volPath).Info("volume deleted")
	ans := model.Succeeded()
	return &ans, nil
}

func (r *Resource) primaryStorageDownload(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.PrimaryStorageDownloadCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	if !storage.DirExists(cmd.LocalPath) {
		return nil, reject(errdefs.ErrNotFound, "None existent local path %s", cmd.LocalPath)
	}

	var ext string
	switch lower := strings.ToLower(cmd.URL); {
	case strings.HasSuffix(lower, ".vhdx"):
		ext = ".vhdx"
	case strings.HasSuffix(lower, ".vhd"):
		ext = ".vhd"
	default:
		return nil, reject(errdefs.ErrInvalidArgument, "Invalid file extension for hypervisor type in source URL %s", cmd.URL)
	}

	source, err := url.Parse(cmd.URL)
	if err != nil {
		return nil, reject(err, "Cannot download source URL %s due to %v", cmd.URL, err)
	}

	name := storage.NewFileName(ext)
	dst := filepath.Join(cmd.LocalPath, name)
	var n int64
	switch scheme := strings.ToLower(source.Scheme); scheme {
	case "nfs":
		// Secondary storage is mounted locally; only the last segment matters.
		src := filepath.Join(r.host.LocalSecondaryStoragePath, path.Base(source.Path))
		r.logger.WithFields(logrus.Fields{"url": cmd.URL, "src": src, "pool": cmd.LocalPath}).Debug("copy NFS url to pool")
		n, err = storage.CopyFile(ctx, src, dst)
	case "http", "https":
		n, err = storage.Download(ctx, r.http, cmd.URL, dst)
	default:
		return nil, reject(errdefs.ErrNotImplemented, "Unsupported URI scheme %s in source URI %s", scheme, cmd.URL)
	}
	if err != nil {
		return nil, reject(err, "Cannot download source URL %s due to %v", cmd.URL, err)
	}

	r.logger.WithFields(logrus.Fields{
		"url":  cmd.URL,
		"path": dst,
		"size": units.BytesSize(float64(n)),
	}).Info("template downloaded to primary storage")
	return &model.PrimaryStorageDownloadAnswer{
		Answer:       model.Succeeded(),
		TemplateSize: n,
		InstallPath:  name,
	}, nil
}

func (r *Resource) copy(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.CopyCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	srcTmpl, err := model.ParseTemplateObjectTO(cmd.SrcTO)
	if err != nil {
		return nil, fmt.Errorf("%w: srcTO: %v", model.ErrMalformed, err)
	}
	destTmpl, err := model.ParseTemplateObjectTO(cmd.DestTO)
	if err != nil {
		return nil, fmt.Errorf("%w: destTO: %v", model.ErrMalformed, err)
	}
	destVol, err := model.ParseVolumeObjectTO(cmd.DestTO)
	if err != nil {
		return nil, fmt.Errorf("%w: destTO: %v", model.ErrMalformed, err)
	}

	switch {
	case srcTmpl != nil && srcTmpl.ImageDataStore.S3 != nil &&
		destTmpl != nil && destTmpl.ImageDataStore.Primary != nil:
		return r.copyFromObjectStore(ctx, cmd.DestTO, srcTmpl, destTmpl)
	case srcTmpl != nil && srcTmpl.ImageDataStore.Primary != nil &&
		destVol != nil && destVol.DataStore.Primary != nil:
		return r.copyTemplateToVolume(ctx, cmd.DestTO, srcTmpl, destVol)
	default:
		return nil, reject(errdefs.ErrNotImplemented, "Unsupported CopyCommand from %s to %s",
			describeTO(cmd.SrcTO), describeTO(cmd.DestTO))
	}
}

func (r *Resource) copyFromObjectStore(ctx context.Context, rawDest json.RawMessage, src, dest *model.TemplateObjectTO) (model.Outcome, error) {
	dst, err := destinationPath(dest.ImageDataStore.Primary.Path, dest.FileName())
	if err != nil {
		return nil, err
	}
	key := src.Path
	if key == "" {
		key = src.FileName()
	}

	obj, err := r.objects.Get(ctx, src.ImageDataStore.S3, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()

	n, err := storage.WriteNew(ctx, dst, obj)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"bucket": src.ImageDataStore.S3.BucketName,
		"s3_key": key,
		"path":   dst,
		"size":   units.BytesSize(float64(n)),
	}).Info("template copied from object store")
	return copyAnswer(rawDest, model.KeyTemplateObjectTO, dst)
}

func (r *Resource) copyTemplateToVolume(ctx context.Context, rawDest json.RawMessage, src *model.TemplateObjectTO, dest *model.VolumeObjectTO) (model.Outcome, error) {
	srcPath := filepath.Join(src.ImageDataStore.Primary.Path, src.FileName())
	dst, err := destinationPath(dest.DataStore.Primary.Path, dest.FileName())
	if err != nil {
		return nil, err
	}
	if !storage.FileExists(srcPath) {
		return nil, reject(errdefs.ErrNotFound, "Source template %s does not exist", srcPath)
	}
	if _, err := storage.CopyFile(ctx, srcPath, dst); err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{"src": srcPath, "path": dst}).Info("volume created from template")
	return copyAnswer(rawDest, model.KeyVolumeObjectTO, dst)
}

// destinationPath joins a pool directory and a new file name and refuses an
// existing file.
func destinationPath(dir, fileName string) (string, error) {
	if !storage.DirExists(dir) {
		return "", reject(errdefs.ErrNotFound, "Destination store path %s does not exist", orNULL(dir))
	}
	if !isBareName(fileName) || strings.HasPrefix(fileName, ".") {
		return "", reject(errdefs.ErrInvalidArgument, "Invalid destination file name %s", fileName)
	}
	dst := filepath.Join(dir, fileName)
	if storage.FileExists(dst) {
		return "", reject(errdefs.ErrAlreadyExists, "Destination file %s already exists", dst)
	}
	return dst, nil
}

func copyAnswer(rawDest json.RawMessage, key, dst string) (model.Outcome, error) {
	newData, err := model.WithPath(rawDest, key, dst)
	if err != nil {
		return nil, err
	}
	return &model.CopyCmdAnswer{Answer: model.Succeeded(), NewData: newData}, nil
}

// describeTO names a transfer object and its store for error messages.
func describeTO(raw json.RawMessage) string {
	if tmpl, err := model.ParseTemplateObjectTO(raw); err == nil && tmpl != nil {
		return "TemplateObjectTO on " + describeStore(tmpl.ImageDataStore)
	}
	if vol, err := model.ParseVolumeObjectTO(raw); err == nil && vol != nil {
		return "VolumeObjectTO on " + describeStore(vol.DataStore)
	}
	return "unknown object"
}

func describeStore(ds model.DataStore) string {
	switch {
	case ds.Primary != nil:
		return "PrimaryDataStoreTO"
	case ds.S3 != nil:
		return "S3TO"
	default:
		return "unsupported store"
	}
}
