package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/s1alknau/nematolapse/calibrate"
	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/iox"
	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
)

// CalibrateCommand returns the calibrate command. It searches per-LED
// power levels hitting a target brightness and prints a config snippet.
func CalibrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "calibrate",
		Usage: "Find LED power levels for a target image brightness",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to nematolapse.yaml",
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "Serial port of the illuminator",
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Serial baud rate",
			},
			&cli.Float64Flag{
				Name:  "target-mean",
				Usage: "Target mean pixel value",
				Value: 128,
			},
			&cli.Float64Flag{
				Name:  "tolerance",
				Usage: "Accepted deviation from the target",
				Value: 10,
			},
		},
		Action: calibrateAction,
	}
}

// calibrateResponse is the JSON report of a calibration run.
type calibrateResponse struct {
	Results []calibrateResult `json:"results"`
	IRPower int               `json:"ir_power"`
	White   int               `json:"white_power"`
}

type calibrateResult struct {
	LED        string  `json:"led"`
	Power      int     `json:"power"`
	Mean       float64 `json:"mean"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
}

func calibrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitRunError)
	}
	if v := c.String("port"); v != "" {
		cfg.Device.Port = v
	}
	if v := c.Int("baud"); v != 0 {
		cfg.Device.Baud = v
	}

	logger := log.Nop()
	dev := device.NewController(cfg.DeviceConfig(), logger, metrics.NewCollector())
	if err := dev.Connect(); err != nil {
		return cli.Exit(fmt.Sprintf("device: %v", err), exitDeviceError)
	}
	defer iox.DiscardClose(dev)

	source := frameSource(cfg)
	defer iox.DiscardClose(source)

	profile, results, err := calibrate.Run(c.Context, dev, source, calibrate.Config{
		TargetMean: c.Float64("target-mean"),
		Tolerance:  c.Float64("tolerance"),
	}, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("calibrate: %v", err), exitDeviceError)
	}

	resp := calibrateResponse{IRPower: profile.IRPower, White: profile.WhitePower}
	for _, r := range results {
		resp.Results = append(resp.Results, calibrateResult{
			LED:        r.Kind.String(),
			Power:      r.Power,
			Mean:       r.Mean,
			Iterations: r.Iterations,
			Converged:  r.Converged,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "add to nematolapse.yaml:\n\ncalibration:\n  ir_power: %d\n  white_power: %d\n  auto_apply: true\n",
		profile.IRPower, profile.WhitePower)
	return nil
}
