// Package calibrate finds per-channel LED power levels that hit a target
// image brightness. The search assumes brightness is monotonic in power,
// which holds for both channels over their usable range.
package calibrate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/runtime"
	"github.com/s1alknau/nematolapse/types"
)

// Driver is the device surface the calibration needs. Satisfied by
// *device.Controller.
type Driver interface {
	SelectLED(kind types.LEDKind) error
	SetPower(kind types.LEDKind, power int) error
	SynchronizeCapture(kind types.LEDKind) (device.SyncResult, error)
}

// Config holds calibration targets. Zero values fall back to defaults.
type Config struct {
	// TargetMean is the desired mean pixel value. Defaults to 128.
	TargetMean float64
	// Tolerance is the accepted deviation from the target. Defaults to 10.
	Tolerance float64
	// MaxIterations bounds the search per channel. Defaults to 8, enough
	// for binary search over the 0-100 power range.
	MaxIterations int
	// SettleDelay is the wait after a power change before sampling.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetMean == 0 {
		c.TargetMean = 128
	}
	if c.Tolerance == 0 {
		c.Tolerance = 10
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 8
	}
	return c
}

// Result is the outcome of calibrating one channel.
type Result struct {
	Kind       types.LEDKind
	Power      int
	Mean       float64
	Iterations int
	Converged  bool
}

// Run calibrates both channels and returns a profile ready to store in
// the config file. A channel that does not converge keeps its best
// power and is reported with Converged false; the caller decides
// whether that is acceptable.
func Run(ctx context.Context, dev Driver, source runtime.FrameSource, cfg Config, logger *log.Logger) (*types.CalibrationProfile, []Result, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()

	results := make([]Result, 0, 2)
	for _, kind := range []types.LEDKind{types.LEDInfrared, types.LEDWhite} {
		res, err := calibrateChannel(ctx, dev, source, cfg, kind, logger)
		if err != nil {
			return nil, results, fmt.Errorf("calibrate %s: %w", kind, err)
		}
		results = append(results, res)
	}

	profile := &types.CalibrationProfile{
		IRPower:    results[0].Power,
		WhitePower: results[1].Power,
		AutoApply:  true,
	}
	return profile, results, nil
}

func calibrateChannel(ctx context.Context, dev Driver, source runtime.FrameSource, cfg Config, kind types.LEDKind, logger *log.Logger) (Result, error) {
	if err := dev.SelectLED(kind); err != nil {
		return Result{}, err
	}

	lo, hi := 0, 100
	power := 60
	best := Result{Kind: kind, Power: power, Mean: math.Inf(1)}

	for iter := 0; iter < cfg.MaxIterations && lo <= hi; iter++ {
		if err := ctx.Err(); err != nil {
			return best, err
		}

		if err := dev.SetPower(kind, power); err != nil {
			return best, err
		}
		if cfg.SettleDelay > 0 {
			time.Sleep(cfg.SettleDelay)
		}

		if _, err := dev.SynchronizeCapture(kind); err != nil {
			return best, err
		}
		img, err := source.Capture(ctx)
		if err != nil {
			return best, err
		}
		mean := img.Stats().Mean

		logger.Debug("calibration sample", map[string]any{
			"led":   kind.String(),
			"power": power,
			"mean":  mean,
		})

		if math.Abs(mean-cfg.TargetMean) < math.Abs(best.Mean-cfg.TargetMean) {
			best = Result{Kind: kind, Power: power, Mean: mean, Iterations: iter + 1}
		}
		if math.Abs(mean-cfg.TargetMean) <= cfg.Tolerance {
			best.Converged = true
			best.Iterations = iter + 1
			return best, nil
		}

		if mean < cfg.TargetMean {
			lo = power + 1
		} else {
			hi = power - 1
		}
		power = (lo + hi) / 2
	}

	logger.Warn("calibration did not converge", map[string]any{
		"led":        kind.String(),
		"best_power": best.Power,
		"best_mean":  best.Mean,
	})
	return best, nil
}
