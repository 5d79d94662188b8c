package fusion

import (
	"github.com/banshee-data/pose.report/internal/config"
)

// Config holds the immutable noise and initialization parameters of a
// Filter. It is fixed at construction; the mutable estimate lives in
// the Filter itself.
type Config struct {
	VarGyro  float64 // angular-rate noise variance (rad/s)²
	VarAccel float64 // linear-acceleration noise variance (m/s²)²

	// Designed initial uncertainty applied on reset (diagonal).
	InitialPositionVar    float64
	InitialVelocityVar    float64
	InitialOrientationVar float64

	// Gravity removed from accelerometer samples during propagation.
	Gravity float64
}

// DefaultConfig returns default filter configuration.
func DefaultConfig() Config {
	return Config{
		VarGyro:               0.01,
		VarAccel:              0.01,
		InitialPositionVar:    1.0,
		InitialVelocityVar:    1.0,
		InitialOrientationVar: 0.01,
		Gravity:               StandardGravity,
	}
}

// ConfigFromTuning derives a filter Config from a TuningConfig,
// falling back to defaults for unset fields.
func ConfigFromTuning(t *config.TuningConfig) Config {
	cfg := DefaultConfig()
	if t == nil {
		return cfg
	}
	cfg.VarGyro = t.GetVarImuGyro()
	cfg.VarAccel = t.GetVarImuAccel()
	cfg.InitialPositionVar = t.GetInitialPositionVar()
	cfg.InitialVelocityVar = t.GetInitialVelocityVar()
	cfg.InitialOrientationVar = t.GetInitialOrientationVar()
	return cfg
}
