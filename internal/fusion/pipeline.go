package fusion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/timeutil"
)

// SourceConfig describes one absolute-position source. The variance is
// configured once per source, not per sample, so each source can be
// trusted differently along each axis.
type SourceConfig struct {
	Name     string
	Variance [3]float64

	// Relative marks sources that report motion in their own frame
	// (wheel odometry). Their samples are chained against the fused
	// estimate instead of being applied as absolute positions.
	Relative bool
}

// PoseSink receives each broadcast pose, typically for persistence.
type PoseSink interface {
	RecordPose(pose Pose) error
}

// PipelineConfig holds the delivery-layer settings around a filter.
type PipelineConfig struct {
	PublishPeriod time.Duration

	// UseGNSSAsInitialPose anchors an uninitialized filter at the
	// first GNSS fix instead of waiting for an explicit initial pose.
	UseGNSSAsInitialPose bool
}

// DefaultPipelineConfig returns default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PublishPeriod: 10 * time.Millisecond,
	}
}

// PipelineConfigFromTuning derives pipeline settings from a TuningConfig.
func PipelineConfigFromTuning(t *config.TuningConfig) PipelineConfig {
	cfg := DefaultPipelineConfig()
	if t == nil {
		return cfg
	}
	cfg.PublishPeriod = t.GetPublishPeriod()
	cfg.UseGNSSAsInitialPose = t.GetUseGnssAsInitialPose()
	return cfg
}

// SourcesFromTuning builds the standard GNSS and odometry source set
// from a TuningConfig, honoring the use_gnss / use_odom toggles.
func SourcesFromTuning(t *config.TuningConfig) []SourceConfig {
	if t == nil {
		t = config.EmptyTuningConfig()
	}
	var sources []SourceConfig
	if t.GetUseGnss() {
		xy := t.GetVarGnssXY()
		sources = append(sources, SourceConfig{
			Name:     "gnss",
			Variance: [3]float64{xy, xy, t.GetVarGnssZ()},
		})
	}
	if t.GetUseOdom() {
		v := t.GetVarOdomXYZ()
		sources = append(sources, SourceConfig{
			Name:     "odom",
			Variance: [3]float64{v, v, v},
			Relative: true,
		})
	}
	return sources
}

// Pipeline routes sensor samples into a Filter and broadcasts the
// current estimate on a fixed cadence. It is the delivery layer around
// the filter core: frame conventions, per-source trust and odometry
// chaining live here, never in the filter.
type Pipeline struct {
	filter *Filter
	cfg    PipelineConfig

	mu      sync.Mutex
	sources map[string]SourceConfig
	subs    []func(Pose)

	// Odometry chaining state: the previous odometry-frame sample and
	// the fused pose the chain is anchored to.
	odomPrev    Pose
	odomHasPrev bool
	odomAnchor  Pose

	sink  PoseSink
	clock timeutil.Clock
}

// NewPipeline creates a pipeline around filter with the given sources.
func NewPipeline(filter *Filter, cfg PipelineConfig, sources []SourceConfig) *Pipeline {
	p := &Pipeline{
		filter:  filter,
		cfg:     cfg,
		sources: make(map[string]SourceConfig, len(sources)),
		clock:   timeutil.RealClock{},
	}
	for _, s := range sources {
		p.sources[s.Name] = s
	}
	return p
}

// SetClock swaps the broadcast clock, for deterministic tests.
func (p *Pipeline) SetClock(clock timeutil.Clock) {
	p.clock = clock
}

// SetSink installs the persistence sink for broadcast poses.
func (p *Pipeline) SetSink(sink PoseSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Subscribe registers fn to be called with every broadcast pose.
func (p *Pipeline) Subscribe(fn func(Pose)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Sources returns the configured source set.
func (p *Pipeline) Sources() []SourceConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SourceConfig, 0, len(p.sources))
	for _, s := range p.sources {
		out = append(out, s)
	}
	return out
}

// Estimate returns the filter's current pose estimate.
func (p *Pipeline) Estimate() (Pose, error) {
	return p.filter.Estimate()
}

// Mode returns the filter's lifecycle mode.
func (p *Pipeline) Mode() Mode {
	return p.filter.Mode()
}

// HandleInitialPose anchors (or re-anchors) the filter at pose and
// drops any odometry chaining state.
func (p *Pipeline) HandleInitialPose(pose Pose) {
	p.filter.Reset(pose)
	p.mu.Lock()
	p.odomHasPrev = false
	p.mu.Unlock()
	monitoring.Logf("Filter anchored at (%.3f, %.3f, %.3f)",
		pose.Position[0], pose.Position[1], pose.Position[2])
}

// HandleImu feeds one inertial sample to the filter.
func (p *Pipeline) HandleImu(s ImuSample) {
	p.filter.Predict(s)
}

// HandlePosition feeds one absolute-position sample from a named
// source. The source must be registered; its configured variance is
// attached here. A numerically rejected correction is logged and
// dropped without failing the pipeline.
func (p *Pipeline) HandlePosition(source string, stamp time.Time, position [3]float64) error {
	p.mu.Lock()
	src, ok := p.sources[source]
	autoInit := p.cfg.UseGNSSAsInitialPose
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown position source %q", source)
	}
	if src.Relative {
		return fmt.Errorf("source %q is relative; use HandleOdometry", source)
	}

	if autoInit && source == "gnss" && p.filter.Mode() == ModeUninitialized {
		p.HandleInitialPose(Pose{
			Stamp:       stamp,
			Position:    position,
			Orientation: IdentityQuaternion(),
		})
		return nil
	}

	err := p.filter.Correct(PositionObservation{
		Stamp:    stamp,
		Position: position,
		Variance: src.Variance,
	})
	if err != nil {
		// Contained per-correction: discard the observation, keep tracking.
		monitoring.Logf("Dropped %s observation: %v", source, err)
	}
	return nil
}

// HandleOdometry feeds one odometry-frame pose from a relative source.
// Consecutive samples are converted into a relative transform, applied
// to the fused anchor pose, and the resulting absolute position is fed
// to the filter with the source's variance.
func (p *Pipeline) HandleOdometry(source string, sample Pose) error {
	p.mu.Lock()
	src, ok := p.sources[source]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown position source %q", source)
	}
	if !src.Relative {
		return fmt.Errorf("source %q is absolute; use HandlePosition", source)
	}

	current, err := p.filter.Estimate()
	if err != nil {
		// No anchor until the filter is initialized.
		return nil
	}

	p.mu.Lock()
	if !p.odomHasPrev {
		p.odomAnchor = current
		p.odomPrev = sample
		p.odomHasPrev = true
		p.mu.Unlock()
		return nil
	}
	delta := ComposePose(InvertPose(p.odomPrev), sample)
	obs := ComposePose(p.odomAnchor, delta)
	p.odomPrev = sample
	p.mu.Unlock()

	if err := p.filter.Correct(PositionObservation{
		Stamp:    sample.Stamp,
		Position: obs.Position,
		Variance: src.Variance,
	}); err != nil {
		monitoring.Logf("Dropped %s observation: %v", source, err)
	}

	// Re-anchor on the corrected estimate so the next delta composes
	// against the freshest fused pose.
	if next, err := p.filter.Estimate(); err == nil {
		p.mu.Lock()
		p.odomAnchor = next
		p.mu.Unlock()
	}
	return nil
}

// Run broadcasts the current estimate on the configured cadence until
// ctx is cancelled. While the filter is uninitialized it logs a
// throttled warning instead of publishing stale data.
func (p *Pipeline) Run(ctx context.Context) error {
	period := p.cfg.PublishPeriod
	if period <= 0 {
		period = DefaultPipelineConfig().PublishPeriod
	}
	ticker := p.clock.NewTicker(period)
	defer ticker.Stop()

	var lastWarn time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			pose, err := p.filter.Estimate()
			if err != nil {
				if p.clock.Since(lastWarn) > 5*time.Second {
					monitoring.Logf("Initial pose not received yet; not publishing")
					lastWarn = p.clock.Now()
				}
				continue
			}
			p.publish(pose)
		}
	}
}

func (p *Pipeline) publish(pose Pose) {
	p.mu.Lock()
	sink := p.sink
	subs := make([]func(Pose), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	if sink != nil {
		if err := sink.RecordPose(pose); err != nil {
			monitoring.Logf("Failed to record pose: %v", err)
		}
	}
	for _, fn := range subs {
		fn(pose)
	}
}
