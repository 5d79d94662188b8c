package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the fusion
// server. Fields are pointers so a partial JSON file only overrides
// what it names; the Get* methods supply defaults for the rest.
type TuningConfig struct {
	// Filter noise params
	VarImuGyro            *float64 `json:"var_imu_w,omitempty"`
	VarImuAccel           *float64 `json:"var_imu_acc,omitempty"`
	VarGnssXY             *float64 `json:"var_gnss_xy,omitempty"`
	VarGnssZ              *float64 `json:"var_gnss_z,omitempty"`
	VarOdomXYZ            *float64 `json:"var_odom_xyz,omitempty"`
	InitialPositionVar    *float64 `json:"initial_position_var,omitempty"`
	InitialVelocityVar    *float64 `json:"initial_velocity_var,omitempty"`
	InitialOrientationVar *float64 `json:"initial_orientation_var,omitempty"`

	// Source toggles
	UseGnss              *bool `json:"use_gnss,omitempty"`
	UseOdom              *bool `json:"use_odom,omitempty"`
	UseGnssAsInitialPose *bool `json:"use_gnss_as_initial_pose,omitempty"`

	// Broadcast params
	PublishPeriod *string `json:"publish_period,omitempty"` // duration string like "10ms"

	// GNSS datum: origin of the local ENU reference frame
	DatumLat *float64 `json:"datum_lat,omitempty"`
	DatumLon *float64 `json:"datum_lon,omitempty"`
	DatumAlt *float64 `json:"datum_alt,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/fusion/network/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	checkVar := func(name string, v *float64) error {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
		return nil
	}
	if err := checkVar("var_imu_w", c.VarImuGyro); err != nil {
		return err
	}
	if err := checkVar("var_imu_acc", c.VarImuAccel); err != nil {
		return err
	}
	if err := checkVar("var_gnss_xy", c.VarGnssXY); err != nil {
		return err
	}
	if err := checkVar("var_gnss_z", c.VarGnssZ); err != nil {
		return err
	}
	if err := checkVar("var_odom_xyz", c.VarOdomXYZ); err != nil {
		return err
	}
	if err := checkVar("initial_position_var", c.InitialPositionVar); err != nil {
		return err
	}
	if err := checkVar("initial_velocity_var", c.InitialVelocityVar); err != nil {
		return err
	}
	if err := checkVar("initial_orientation_var", c.InitialOrientationVar); err != nil {
		return err
	}

	if c.PublishPeriod != nil && *c.PublishPeriod != "" {
		if _, err := time.ParseDuration(*c.PublishPeriod); err != nil {
			return fmt.Errorf("invalid publish_period '%s': %w", *c.PublishPeriod, err)
		}
	}

	if c.DatumLat != nil && (*c.DatumLat < -90 || *c.DatumLat > 90) {
		return fmt.Errorf("datum_lat must be between -90 and 90, got %f", *c.DatumLat)
	}
	if c.DatumLon != nil && (*c.DatumLon < -180 || *c.DatumLon > 180) {
		return fmt.Errorf("datum_lon must be between -180 and 180, got %f", *c.DatumLon)
	}

	return nil
}

// GetVarImuGyro returns the var_imu_w value or the default.
func (c *TuningConfig) GetVarImuGyro() float64 {
	if c.VarImuGyro == nil {
		return 0.01
	}
	return *c.VarImuGyro
}

// GetVarImuAccel returns the var_imu_acc value or the default.
func (c *TuningConfig) GetVarImuAccel() float64 {
	if c.VarImuAccel == nil {
		return 0.01
	}
	return *c.VarImuAccel
}

// GetVarGnssXY returns the var_gnss_xy value or the default.
func (c *TuningConfig) GetVarGnssXY() float64 {
	if c.VarGnssXY == nil {
		return 0.1
	}
	return *c.VarGnssXY
}

// GetVarGnssZ returns the var_gnss_z value or the default.
func (c *TuningConfig) GetVarGnssZ() float64 {
	if c.VarGnssZ == nil {
		return 0.15
	}
	return *c.VarGnssZ
}

// GetVarOdomXYZ returns the var_odom_xyz value or the default.
func (c *TuningConfig) GetVarOdomXYZ() float64 {
	if c.VarOdomXYZ == nil {
		return 0.2
	}
	return *c.VarOdomXYZ
}

// GetInitialPositionVar returns the initial_position_var value or the default.
func (c *TuningConfig) GetInitialPositionVar() float64 {
	if c.InitialPositionVar == nil {
		return 1.0
	}
	return *c.InitialPositionVar
}

// GetInitialVelocityVar returns the initial_velocity_var value or the default.
func (c *TuningConfig) GetInitialVelocityVar() float64 {
	if c.InitialVelocityVar == nil {
		return 1.0
	}
	return *c.InitialVelocityVar
}

// GetInitialOrientationVar returns the initial_orientation_var value or the default.
func (c *TuningConfig) GetInitialOrientationVar() float64 {
	if c.InitialOrientationVar == nil {
		return 0.01
	}
	return *c.InitialOrientationVar
}

// GetUseGnss returns the use_gnss value or the default.
func (c *TuningConfig) GetUseGnss() bool {
	if c.UseGnss == nil {
		return true
	}
	return *c.UseGnss
}

// GetUseOdom returns the use_odom value or the default.
func (c *TuningConfig) GetUseOdom() bool {
	if c.UseOdom == nil {
		return false
	}
	return *c.UseOdom
}

// GetUseGnssAsInitialPose returns the use_gnss_as_initial_pose value or the default.
func (c *TuningConfig) GetUseGnssAsInitialPose() bool {
	if c.UseGnssAsInitialPose == nil {
		return false
	}
	return *c.UseGnssAsInitialPose
}

// GetPublishPeriod parses and returns the PublishPeriod as a time.Duration.
func (c *TuningConfig) GetPublishPeriod() time.Duration {
	if c.PublishPeriod == nil || *c.PublishPeriod == "" {
		return 10 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PublishPeriod)
	if err != nil {
		return 10 * time.Millisecond // default on parse error
	}
	return d
}

// GetDatumLat returns the datum_lat value or the default.
func (c *TuningConfig) GetDatumLat() float64 {
	if c.DatumLat == nil {
		return 0
	}
	return *c.DatumLat
}

// GetDatumLon returns the datum_lon value or the default.
func (c *TuningConfig) GetDatumLon() float64 {
	if c.DatumLon == nil {
		return 0
	}
	return *c.DatumLon
}

// GetDatumAlt returns the datum_alt value or the default.
func (c *TuningConfig) GetDatumAlt() float64 {
	if c.DatumAlt == nil {
		return 0
	}
	return *c.DatumAlt
}
