// File: api/schemas/interfaces.go
package schemas

import (
	"context"
	"image"
)

// FrameGrabber captures a region of the screen. Implementations must treat
// the returned frame as immutable.
type FrameGrabber interface {
	Capture(ctx context.Context, region Region) (*Frame, error)
}

// AnalysisSet lists which local analyses a tick needs for one region, so the
// controller runs only what some rule actually consumes.
type AnalysisSet struct {
	AverageColor   bool
	DominantColors bool
	OCR            bool
}

// Any reports whether at least one analysis is requested.
func (s AnalysisSet) Any() bool {
	return s.AverageColor || s.DominantColors || s.OCR
}

// Merge folds another set into this one.
func (s *AnalysisSet) Merge(other AnalysisSet) {
	s.AverageColor = s.AverageColor || other.AverageColor
	s.DominantColors = s.DominantColors || other.DominantColors
	s.OCR = s.OCR || other.OCR
}

// LocalAnalyzer runs the on-device analyses over a captured frame.
type LocalAnalyzer interface {
	Analyze(ctx context.Context, frame *Frame, want AnalysisSet) (*RegionSnapshot, error)
	PixelColor(frame *Frame, at image.Point) (BGR, error)
	MatchTemplate(frame *Frame, template *image.NRGBA, minConfidence float64) (*TemplateMatch, bool, error)
}

// VisionRequest is one call to the vision/NLU backend. Images ride along as
// encoded PNG bytes; Prompt carries the instruction.
type VisionRequest struct {
	Prompt    string
	Images    [][]byte
	Model     string
	ForceJSON bool
}

// VisionResponse is the backend's raw text answer plus bookkeeping.
type VisionResponse struct {
	Text      string
	Model     string
	RequestID string
}

// VisionQuerier is the Gemini-backed collaborator shared by the vision_query
// condition, the task planner, and target refinement.
type VisionQuerier interface {
	Query(ctx context.Context, req VisionRequest) (*VisionResponse, error)
}

// ResolvedAction is an action spec after placeholder substitution, ready for
// the performer.
type ResolvedAction struct {
	Type     string
	Params   map[string]any
	RuleName string
	TaskID   string
}

// ActionPerformer executes a resolved action against the host. The shipped
// implementation is a dry-run logger; real input backends implement this.
type ActionPerformer interface {
	Perform(ctx context.Context, action ResolvedAction) error
}

// ConfirmationDecision is the user's answer to a per-step gate.
type ConfirmationDecision int

const (
	// ConfirmationAccept lets the pending step run.
	ConfirmationAccept ConfirmationDecision = iota
	// ConfirmationReject aborts the task.
	ConfirmationReject
	// ConfirmationCancel cancels the whole task, same as a cancel request.
	ConfirmationCancel
)

func (d ConfirmationDecision) String() string {
	switch d {
	case ConfirmationAccept:
		return "accept"
	case ConfirmationReject:
		return "reject"
	case ConfirmationCancel:
		return "cancel"
	}
	return "unknown"
}
