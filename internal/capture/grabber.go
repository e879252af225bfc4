// internal/capture/grabber.go
package capture

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/kbinani/screenshot"
	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// ScreenGrabber implements schemas.FrameGrabber against the host display.
type ScreenGrabber struct {
	logger *zap.Logger
}

// NewScreenGrabber returns a grabber for the primary display.
func NewScreenGrabber(logger *zap.Logger) *ScreenGrabber {
	return &ScreenGrabber{logger: logger.Named("capture")}
}

// Capture grabs the region's bounds from the screen. The context is checked
// up front; the grab itself is a single fast syscall-backed copy.
func (g *ScreenGrabber) Capture(ctx context.Context, region schemas.Region) (*schemas.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.WrapE(schemas.ErrCodeCapture, err)
	}

	bounds := image.Rect(
		region.Bounds.X,
		region.Bounds.Y,
		region.Bounds.X+region.Bounds.Width,
		region.Bounds.Y+region.Bounds.Height,
	)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeCapture, "capturing region %q: %w", region.Name, err)
	}

	g.logger.Debug("Region captured",
		zap.String("region", region.Name),
		zap.Int("width", region.Bounds.Width),
		zap.Int("height", region.Bounds.Height))

	return &schemas.Frame{
		Region: region.Name,
		// Clone normalizes the pixel format so analyzers can index NRGBA
		// directly.
		Image:      imaging.Clone(img),
		CapturedAt: time.Now(),
	}, nil
}

// EncodePNG serializes a frame for transport to the vision backend.
func EncodePNG(frame *schemas.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image); err != nil {
		return nil, schemas.E(schemas.ErrCodeCapture, "encoding frame for region %q: %w", frame.Region, err)
	}
	return buf.Bytes(), nil
}

// Crop returns a sub-frame clipped to the given box within the frame.
func Crop(frame *schemas.Frame, box schemas.BoundingBox) *schemas.Frame {
	rect := image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height)
	return &schemas.Frame{
		Region:     frame.Region,
		Image:      imaging.Crop(frame.Image, rect),
		CapturedAt: frame.CapturedAt,
	}
}
