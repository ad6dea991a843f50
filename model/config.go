package model

import (
	"encoding/json"
	"fmt"
)

// GenerationConfig is the typed, per-type generation configuration. Each
// generation type has exactly one variant.
type GenerationConfig interface {
	GenerationType() GenerationType
}

// ProductConfig describes product metadata attached to a generated manifest.
type ProductConfig struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// BuildConfig configures generation for an upstream build.
type BuildConfig struct {
	BuildID  string          `json:"buildId"`
	Products []ProductConfig `json:"products,omitempty"`
}

// GenerationType implements GenerationConfig.
func (*BuildConfig) GenerationType() GenerationType { return TypeBuild }

// OperationConfig configures generation for a deliverable analysis operation.
type OperationConfig struct {
	OperationID  string         `json:"operationId"`
	MilestoneID  string         `json:"milestoneId,omitempty"`
	Deliverables []string       `json:"deliverableUrls,omitempty"`
	Product      *ProductConfig `json:"product,omitempty"`
}

// GenerationType implements GenerationConfig.
func (*OperationConfig) GenerationType() GenerationType { return TypeOperation }

// ContainerImageConfig configures generation for a container image.
type ContainerImageConfig struct {
	Image string `json:"image"`
}

// GenerationType implements GenerationConfig.
func (*ContainerImageConfig) GenerationType() GenerationType { return TypeContainerImage }

// BrewRPMConfig configures generation for a Brew RPM build.
type BrewRPMConfig struct {
	BrewBuildID int64  `json:"brewBuildId"`
	NVR         string `json:"nvr,omitempty"`
}

// GenerationType implements GenerationConfig.
func (*BrewRPMConfig) GenerationType() GenerationType { return TypeBrewRPM }

// NewConfig returns an empty config variant for the type, or nil if the type
// is unknown.
func NewConfig(t GenerationType) GenerationConfig {
	switch t {
	case TypeBuild:
		return &BuildConfig{}
	case TypeOperation:
		return &OperationConfig{}
	case TypeContainerImage:
		return &ContainerImageConfig{}
	case TypeBrewRPM:
		return &BrewRPMConfig{}
	default:
		return nil
	}
}

// DecodeConfig decodes raw JSON into the config variant for the type. Empty
// input decodes to a nil config.
func DecodeConfig(t GenerationType, raw []byte) (GenerationConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	cfg := NewConfig(t)
	if cfg == nil {
		return nil, fmt.Errorf("unknown generation type %q", t)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", t, err)
	}
	return cfg, nil
}

// EncodeConfig marshals a config, returning nil for a nil config.
func EncodeConfig(cfg GenerationConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(cfg)
}
