package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/s1alknau/nematolapse/store"
)

// InfoCommand returns the info command. Read-only: it decodes a
// recording file and reports its header and summary.
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show metadata and summary of a recording file",
		ArgsUsage: "<recording.nlr>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "frames",
				Usage: "Include per-frame records in the output",
			},
		},
		Action: infoAction,
	}
}

// infoResponse is the JSON report for a recording file.
type infoResponse struct {
	Path        string         `json:"path"`
	Header      store.Header   `json:"header"`
	Finalized   bool           `json:"finalized"`
	FrameCount  int            `json:"frame_count"`
	ImageCount  int            `json:"image_count"`
	Transitions int            `json:"transitions"`
	Summary     *store.Summary `json:"summary,omitempty"`
	Frames      []frameInfo    `json:"frames,omitempty"`
}

// frameInfo is the per-frame slice of the info output.
type frameInfo struct {
	Index      int       `json:"index"`
	CapturedAt time.Time `json:"captured_at"`
	DriftMs    float64   `json:"drift_ms"`
	LED        string    `json:"led"`
	Phase      string    `json:"phase"`
	CaptureOK  bool      `json:"capture_ok"`
}

func infoAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: nematolapse info <recording.nlr>", exitRunError)
	}
	path := c.Args().First()

	rec, err := store.ReadFile(path)
	if err != nil {
		return cli.Exit(err.Error(), exitStorageError)
	}

	resp := infoResponse{
		Path:        path,
		Header:      rec.Header,
		Finalized:   rec.Finalized(),
		FrameCount:  len(rec.Frames),
		ImageCount:  len(rec.Images),
		Transitions: len(rec.Transitions),
		Summary:     rec.Summary,
	}
	if c.Bool("frames") {
		resp.Frames = make([]frameInfo, 0, len(rec.Frames))
		for _, f := range rec.Frames {
			resp.Frames = append(resp.Frames, frameInfo{
				Index:      f.Index,
				CapturedAt: f.CapturedAt,
				DriftMs:    float64(f.Drift.Microseconds()) / 1000.0,
				LED:        f.LED.String(),
				Phase:      string(f.Phase),
				CaptureOK:  f.CaptureOK,
			})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
