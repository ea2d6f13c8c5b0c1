package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Keys of the tagged transfer objects the orchestrator sends.
const (
	KeyPrimaryDataStoreTO = "org.apache.cloudstack.storage.to.PrimaryDataStoreTO"
	KeyVolumeObjectTO     = "org.apache.cloudstack.storage.to.VolumeObjectTO"
	KeyTemplateObjectTO   = "org.apache.cloudstack.storage.to.TemplateObjectTO"
	KeyS3TO               = "com.cloud.agent.api.to.S3TO"
)

type PrimaryDataStoreTO struct {
	Path     string `json:"path"`
	UUID     string `json:"uuid"`
	PoolType string `json:"poolType"`
}

type S3TO struct {
	BucketName string `json:"bucketName"`
	AccessKey  string `json:"accessKey"`
	SecretKey  string `json:"secretKey"`
	EndPoint   string `json:"endPoint"`
	HTTPSFlag  bool   `json:"httpsFlag"`
}

// DataStore is the resolved store a transfer object lives on. At most one
// field is set; both are nil for store kinds this agent does not handle.
type DataStore struct {
	Primary *PrimaryDataStoreTO
	S3      *S3TO
}

type TemplateObjectTO struct {
	Path           string
	Name           string
	UUID           string
	Format         string
	ImageDataStore DataStore
}

func (t *TemplateObjectTO) FileName() string {
	return t.Name + "." + t.Format
}

type VolumeObjectTO struct {
	Path      string
	Name      string
	UUID      string
	Format    string
	Size      int64
	DataStore DataStore
}

func (v *VolumeObjectTO) FileName() string {
	return v.Name + "." + v.Format
}

type objectTOBody struct {
	Path           string          `json:"path"`
	Name           string          `json:"name"`
	UUID           string          `json:"uuid"`
	Format         string          `json:"format"`
	Size           int64           `json:"size"`
	DataStore      json.RawMessage `json:"dataStore"`
	ImageDataStore json.RawMessage `json:"imageDataStore"`
}

// ParsePrimaryDataStoreTO returns nil without error when raw does not carry
// a primary data store.
func ParsePrimaryDataStoreTO(raw json.RawMessage) (*PrimaryDataStoreTO, error) {
	body, err := lookupTagged(raw, KeyPrimaryDataStoreTO)
	if err != nil || body == nil {
		return nil, err
	}
	var out PrimaryDataStoreTO
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyPrimaryDataStoreTO, err)
	}
	return &out, nil
}

func ParseS3TO(raw json.RawMessage) (*S3TO, error) {
	body, err := lookupTagged(raw, KeyS3TO)
	if err != nil || body == nil {
		return nil, err
	}
	var out S3TO
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyS3TO, err)
	}
	return &out, nil
}

func ParseDataStore(raw json.RawMessage) (DataStore, error) {
	primary, err := ParsePrimaryDataStoreTO(raw)
	if err != nil {
		return DataStore{}, err
	}
	s3, err := ParseS3TO(raw)
	if err != nil {
		return DataStore{}, err
	}
	return DataStore{Primary: primary, S3: s3}, nil
}

func ParseTemplateObjectTO(raw json.RawMessage) (*TemplateObjectTO, error) {
	body, err := lookupTagged(raw, KeyTemplateObjectTO)
	if err != nil || body == nil {
		return nil, err
	}
	var b objectTOBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyTemplateObjectTO, err)
	}
	store, err := ParseDataStore(b.ImageDataStore)
	if err != nil {
		return nil, err
	}
	return &TemplateObjectTO{
		Path:           b.Path,
		Name:           b.Name,
		UUID:           b.UUID,
		Format:         strings.ToLower(b.Format),
		ImageDataStore: store,
	}, nil
}

func ParseVolumeObjectTO(raw json.RawMessage) (*VolumeObjectTO, error) {
	body, err := lookupTagged(raw, KeyVolumeObjectTO)
	if err != nil || body == nil {
		return nil, err
	}
	var b objectTOBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyVolumeObjectTO, err)
	}
	store, err := ParseDataStore(b.DataStore)
	if err != nil {
		return nil, err
	}
	return &VolumeObjectTO{
		Path:      b.Path,
		Name:      b.Name,
		UUID:      b.UUID,
		Format:    strings.ToLower(b.Format),
		Size:      b.Size,
		DataStore: store,
	}, nil
}

// WithPath copies the tagged object in raw with its path field replaced.
// Fields this package does not model are kept.
func WithPath(raw json.RawMessage, key, path string) (map[string]any, error) {
	body, err := lookupTagged(raw, key)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("%s not present", key)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	fields["path"] = path
	return map[string]any{key: fields}, nil
}

func lookupTagged(raw json.RawMessage, key string) (json.RawMessage, error) {
	if isNull(raw) {
		return nil, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("expected tagged object for %s: %w", key, err)
	}
	body, ok := tagged[key]
	if !ok || isNull(body) {
		return nil, nil
	}
	return body, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
