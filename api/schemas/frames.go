// File: api/schemas/frames.go
package schemas

import (
	"image"
	"time"
)

// BGR is a blue-green-red pixel value, the channel order the original profile
// schema uses for all color parameters.
type BGR struct {
	B uint8 `json:"b"`
	G uint8 `json:"g"`
	R uint8 `json:"r"`
}

// Frame is a single captured image of one region at one instant. Frames are
// immutable snapshots; nothing downstream mutates Image.
type Frame struct {
	Region     string
	Image      *image.NRGBA
	CapturedAt time.Time
}

// OCRResult is the text read out of a frame plus the recognizer's confidence
// in percent.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// DominantColor is one entry of a dominant-color analysis, with the fraction
// of sampled pixels that quantized to it.
type DominantColor struct {
	Color      BGR     `json:"color"`
	Percentage float64 `json:"percentage"`
}

// TemplateMatch is the best location a template scored in a frame.
type TemplateMatch struct {
	Location   image.Point `json:"location"`
	Confidence float64     `json:"confidence"`
}

// RegionSnapshot bundles a frame with whatever local analyses the tick's rule
// set required for that region. Absent analyses stay nil.
type RegionSnapshot struct {
	Frame          *Frame
	AverageColor   *BGR
	DominantColors []DominantColor
	OCR            *OCRResult
}

// CapturedValue is a value a matched condition stored into the rule's
// variable context, tagged with the region it came from.
type CapturedValue struct {
	Value        any    `json:"value"`
	SourceRegion string `json:"source_region"`
}

// BoundingBox is [x, y, w, h] within a region, as returned by visual target
// refinement.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() image.Point {
	return image.Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}
