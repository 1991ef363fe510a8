// Package config loads settings shared by the CLI, the CSI node plugin and
// the verification tool.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

type Config struct {
	Records  RecordsConfig  `yaml:"records"`
	Sysfs    SysfsConfig    `yaml:"sysfs"`
	Firmware FirmwareConfig `yaml:"firmware"`
	CSI      CSIConfig      `yaml:"csi"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type RecordsConfig struct {
	Root string `yaml:"root" validate:"required,startswith=/"`
}

type SysfsConfig struct {
	Root string `yaml:"root" validate:"required,startswith=/"`
}

type FirmwareConfig struct {
	Root string `yaml:"root" validate:"required,startswith=/"`
}

type CSIConfig struct {
	DriverName        string `yaml:"driver_name" validate:"required,fqdn"`
	Endpoint          string `yaml:"endpoint" validate:"required"`
	NodeID            string `yaml:"node_id"`
	StateDir          string `yaml:"state_dir" validate:"required,startswith=/"`
	DeviceWaitSeconds int    `yaml:"device_wait_seconds" validate:"min=1,max=600"`
}

type MetricsConfig struct {
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
}

// Default returns the settings used for anything a config file leaves out.
func Default() *Config {
	return &Config{
		Records:  RecordsConfig{Root: idbm.DefaultRoot},
		Sysfs:    SysfsConfig{Root: sysfs.DefaultRoot},
		Firmware: FirmwareConfig{Root: fwcontext.DefaultRoot},
		CSI: CSIConfig{
			DriverName:        "iscsi.libiscsi.scaleoutsean.github.io",
			Endpoint:          "unix:///csi/csi.sock",
			StateDir:          "/var/lib/libiscsi-csi",
			DeviceWaitSeconds: 20,
		},
	}
}

// Load reads path (when set) over the defaults, applies ISCSI_* environment
// overrides and validates the result.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"ISCSI_DB_ROOT", &cfg.Records.Root},
		{"ISCSI_SYSFS_ROOT", &cfg.Sysfs.Root},
		{"ISCSI_FIRMWARE_ROOT", &cfg.Firmware.Root},
		{"ISCSI_CSI_ENDPOINT", &cfg.CSI.Endpoint},
		{"ISCSI_CSI_NODE_ID", &cfg.CSI.NodeID},
		{"ISCSI_CSI_STATE_DIR", &cfg.CSI.StateDir},
		{"ISCSI_METRICS_ADDRESS", &cfg.Metrics.Address},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their yaml key
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors lists every rejected field.
type ValidationErrors struct {
	Errors []ValidationError
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(messages, "; ")
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationErrors{}
	for _, e := range fieldErrs {
		// Namespace is "Config.csi.endpoint"
		_, field, _ := strings.Cut(e.Namespace(), ".")
		out.Errors = append(out.Errors, ValidationError{Field: field, Message: message(e)})
	}
	return out
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "startswith":
		return fmt.Sprintf("must start with %q", e.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "fqdn":
		return "must be a fully qualified domain name"
	case "hostname_port":
		return "must be host:port"
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
