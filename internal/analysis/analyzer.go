// internal/analysis/analyzer.go
package analysis

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// OCRProvider recognizes text in a frame. Shipped builds have no bundled
// recognizer; hosts wire one in, otherwise ocr_contains_text conditions fail
// with an analysis error.
type OCRProvider interface {
	Recognize(ctx context.Context, img *image.NRGBA) (schemas.OCRResult, error)
}

// Analyzer implements schemas.LocalAnalyzer with pure-Go pixel math.
type Analyzer struct {
	dominantK int
	ocr       OCRProvider
	logger    *zap.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithOCRProvider plugs in a text recognizer.
func WithOCRProvider(p OCRProvider) Option {
	return func(a *Analyzer) { a.ocr = p }
}

// WithDominantK sets how many dominant colors Analyze reports.
func WithDominantK(k int) Option {
	return func(a *Analyzer) {
		if k > 0 {
			a.dominantK = k
		}
	}
}

// NewAnalyzer builds an analyzer with sensible defaults (k=3, no OCR).
func NewAnalyzer(logger *zap.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		dominantK: 3,
		logger:    logger.Named("analysis"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs exactly the analyses requested by want over one frame.
func (a *Analyzer) Analyze(ctx context.Context, frame *schemas.Frame, want schemas.AnalysisSet) (*schemas.RegionSnapshot, error) {
	if frame == nil || frame.Image == nil {
		return nil, schemas.E(schemas.ErrCodeAnalysis, "nil frame")
	}
	snapshot := &schemas.RegionSnapshot{Frame: frame}

	if want.AverageColor {
		avg := averageColor(frame.Image)
		snapshot.AverageColor = &avg
	}
	if want.DominantColors {
		snapshot.DominantColors = dominantColors(frame.Image, a.dominantK)
	}
	if want.OCR {
		if a.ocr == nil {
			return nil, schemas.E(schemas.ErrCodeAnalysis,
				"region %q requires OCR but no provider is configured", frame.Region)
		}
		result, err := a.ocr.Recognize(ctx, frame.Image)
		if err != nil {
			return nil, schemas.E(schemas.ErrCodeAnalysis, "ocr on region %q: %w", frame.Region, err)
		}
		snapshot.OCR = &result
	}
	return snapshot, nil
}

// PixelColor reads one pixel, frame-relative coordinates.
func (a *Analyzer) PixelColor(frame *schemas.Frame, at image.Point) (schemas.BGR, error) {
	if frame == nil || frame.Image == nil {
		return schemas.BGR{}, schemas.E(schemas.ErrCodeAnalysis, "nil frame")
	}
	bounds := frame.Image.Bounds()
	x, y := bounds.Min.X+at.X, bounds.Min.Y+at.Y
	if !(image.Point{X: x, Y: y}.In(bounds)) {
		return schemas.BGR{}, schemas.E(schemas.ErrCodeAnalysis,
			"pixel (%d,%d) outside region %q (%dx%d)", at.X, at.Y, frame.Region, bounds.Dx(), bounds.Dy())
	}
	c := frame.Image.NRGBAAt(x, y)
	return schemas.BGR{B: c.B, G: c.G, R: c.R}, nil
}

// MatchTemplate slides the template over the frame and scores each placement
// by normalized mean absolute difference. Returns the best placement and
// whether it cleared minConfidence (0..1).
func (a *Analyzer) MatchTemplate(frame *schemas.Frame, template *image.NRGBA, minConfidence float64) (*schemas.TemplateMatch, bool, error) {
	if frame == nil || frame.Image == nil || template == nil {
		return nil, false, schemas.E(schemas.ErrCodeAnalysis, "nil frame or template")
	}
	fb, tb := frame.Image.Bounds(), template.Bounds()
	fw, fh := fb.Dx(), fb.Dy()
	tw, th := tb.Dx(), tb.Dy()
	if tw == 0 || th == 0 {
		return nil, false, schemas.E(schemas.ErrCodeAnalysis, "empty template")
	}
	if tw > fw || th > fh {
		return nil, false, schemas.E(schemas.ErrCodeAnalysis,
			"template %dx%d larger than region %q frame %dx%d", tw, th, frame.Region, fw, fh)
	}

	best := schemas.TemplateMatch{Confidence: -1}
	for oy := 0; oy <= fh-th; oy++ {
		for ox := 0; ox <= fw-tw; ox++ {
			score := matchScoreAt(frame.Image, template, ox, oy)
			if score > best.Confidence {
				best = schemas.TemplateMatch{
					Location:   image.Point{X: ox, Y: oy},
					Confidence: score,
				}
			}
		}
	}
	return &best, best.Confidence >= minConfidence, nil
}

// matchScoreAt computes 1 - normalized mean absolute channel difference for
// the template placed at (ox, oy).
func matchScoreAt(frame, template *image.NRGBA, ox, oy int) float64 {
	fb, tb := frame.Bounds(), template.Bounds()
	tw, th := tb.Dx(), tb.Dy()

	var total float64
	for y := 0; y < th; y++ {
		fi := frame.PixOffset(fb.Min.X+ox, fb.Min.Y+oy+y)
		ti := template.PixOffset(tb.Min.X, tb.Min.Y+y)
		for x := 0; x < tw; x++ {
			total += math.Abs(float64(frame.Pix[fi]) - float64(template.Pix[ti]))
			total += math.Abs(float64(frame.Pix[fi+1]) - float64(template.Pix[ti+1]))
			total += math.Abs(float64(frame.Pix[fi+2]) - float64(template.Pix[ti+2]))
			fi += 4
			ti += 4
		}
	}
	return 1 - total/(float64(tw*th*3)*255)
}

func averageColor(img *image.NRGBA) schemas.BGR {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return schemas.BGR{}
	}

	var sumR, sumG, sumB uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		i := img.PixOffset(bounds.Min.X, y)
		for x := 0; x < w; x++ {
			sumR += uint64(img.Pix[i])
			sumG += uint64(img.Pix[i+1])
			sumB += uint64(img.Pix[i+2])
			i += 4
		}
	}
	n := uint64(w * h)
	return schemas.BGR{
		B: uint8(sumB / n),
		G: uint8(sumG / n),
		R: uint8(sumR / n),
	}
}

// dominantColors quantizes each channel to 16 levels, counts buckets and
// reports the top k by pixel share. The reported color is the bucket center.
func dominantColors(img *image.NRGBA, k int) []schemas.DominantColor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 || k <= 0 {
		return nil
	}

	counts := make(map[uint32]int)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		i := img.PixOffset(bounds.Min.X, y)
		for x := 0; x < w; x++ {
			key := uint32(img.Pix[i]>>4)<<8 | uint32(img.Pix[i+1]>>4)<<4 | uint32(img.Pix[i+2]>>4)
			counts[key]++
			i += 4
		}
	}

	type bucket struct {
		key   uint32
		count int
	}
	buckets := make([]bucket, 0, len(counts))
	for key, count := range counts {
		buckets = append(buckets, bucket{key: key, count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].key < buckets[j].key
	})

	if len(buckets) > k {
		buckets = buckets[:k]
	}
	total := float64(w * h)
	out := make([]schemas.DominantColor, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, schemas.DominantColor{
			Color: schemas.BGR{
				R: uint8(b.key>>8&0xF)<<4 | 0x8,
				G: uint8(b.key>>4&0xF)<<4 | 0x8,
				B: uint8(b.key&0xF)<<4 | 0x8,
			},
			Percentage: float64(b.count) / total * 100,
		})
	}
	return out
}

// ColorDistance is the max per-channel delta, the tolerance metric used by
// the color conditions.
func ColorDistance(a, b schemas.BGR) int {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return maxInt(d(a.B, b.B), maxInt(d(a.G, b.G), d(a.R, b.R)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// FormatBGR renders a BGR for log fields.
func FormatBGR(c schemas.BGR) string {
	return fmt.Sprintf("bgr(%d,%d,%d)", c.B, c.G, c.R)
}
