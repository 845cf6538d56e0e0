package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/s1alknau/nematolapse/types"
)

// Recording is a fully decoded recording file.
type Recording struct {
	Header      Header
	Frames      []types.FrameRecord
	Images      []ImageBlob
	Transitions []PhaseTransition
	// Summary is nil when the file was never finalized, e.g. after a
	// crash mid-run. Frames flushed before the crash are still present.
	Summary *Summary
}

// Finalized reports whether the file carries a finalize segment.
func (r *Recording) Finalized() bool { return r.Summary != nil }

// ReadFile decodes a recording file. A truncated tail, the normal
// artifact of a crash between flushes, is tolerated: everything up to
// the last complete segment is returned.
func ReadFile(path string) (*Recording, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer func() { _ = file.Close() }()

	dec := msgpack.NewDecoder(file)

	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, encodeErr("header", path, fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if header.Magic != Magic {
		return nil, encodeErr("header", path, fmt.Errorf("%w: bad magic %q", ErrCorrupt, header.Magic))
	}
	if header.FormatVersion != FormatVersion {
		return nil, encodeErr("header", path,
			fmt.Errorf("%w: format version %d, reader supports %d", ErrCorrupt, header.FormatVersion, FormatVersion))
	}

	rec := &Recording{Header: header}
	for {
		var seg segment
		if err := dec.Decode(&seg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			// A partial trailing segment decodes as garbage; stop at
			// the last complete one.
			break
		}

		switch seg.Kind {
		case segmentFrames:
			rec.Frames = append(rec.Frames, seg.Frames...)
			rec.Images = append(rec.Images, seg.Images...)
			rec.Transitions = append(rec.Transitions, seg.Transitions...)
		case segmentFinalize:
			rec.Summary = seg.Summary
		default:
			return nil, encodeErr("segment", path, fmt.Errorf("%w: unknown segment kind %q", ErrCorrupt, seg.Kind))
		}
	}

	return rec, nil
}

// DecodeImage decompresses one stored image back to raw pixels.
func DecodeImage(blob ImageBlob) (*types.Image, error) {
	if blob.Encoding != "zstd" {
		return nil, fmt.Errorf("%w: unknown image encoding %q", ErrCorrupt, blob.Encoding)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	pixels, err := dec.DecodeAll(blob.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: image %d: %v", ErrCorrupt, blob.Index, err)
	}
	if want := blob.Width * blob.Height; len(pixels) != want {
		return nil, fmt.Errorf("%w: image %d: %d pixels, want %d", ErrCorrupt, blob.Index, len(pixels), want)
	}

	return &types.Image{Width: blob.Width, Height: blob.Height, Pixels: pixels}, nil
}
