// internal/runtime/capturer.go
package runtime

import (
	"context"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// RegionCapturer resolves region names against the profile and grabs fresh
// frames for them. It backs the orchestrator's per-step frame acquisition;
// tasks never reuse tick snapshots.
type RegionCapturer struct {
	profile *schemas.Profile
	grabber schemas.FrameGrabber
}

// NewRegionCapturer binds a profile to a grabber.
func NewRegionCapturer(profile *schemas.Profile, grabber schemas.FrameGrabber) *RegionCapturer {
	return &RegionCapturer{profile: profile, grabber: grabber}
}

// CaptureRegions grabs every named region. Any failure fails the whole
// acquisition; callers must not act on a partial view.
func (c *RegionCapturer) CaptureRegions(ctx context.Context, names []string) (map[string]*schemas.Frame, error) {
	frames := make(map[string]*schemas.Frame, len(names))
	for _, name := range names {
		region, ok := c.profile.RegionByName(name)
		if !ok {
			return nil, schemas.E(schemas.ErrCodeConfig, "unknown context region %q", name)
		}
		frame, err := c.grabber.Capture(ctx, region)
		if err != nil {
			return nil, err
		}
		frames[name] = frame
	}
	return frames, nil
}
