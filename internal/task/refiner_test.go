// internal/task/refiner_test.go
package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

func TestRefinerPicksHighestConfidence(t *testing.T) {
	querier := &fakeQuerier{responses: []string{
		`{"found": true, "candidates": [
			{"region": "main", "box": [5, 5, 10, 10], "confidence": 0.4},
			{"region": "main", "box": [50, 50, 10, 10], "confidence": 0.95},
			{"region": "main", "box": [0, 0, 10, 10], "confidence": 0.7}
		]}`,
	}}
	r := NewTargetRefiner(querier, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 100, 100)}
	target, err := r.Refine(context.Background(), "the save button", frames)
	require.NoError(t, err)
	assert.Equal(t, 50, target.Box.X)
	assert.InDelta(t, 0.95, target.Confidence, 1e-9)
}

func TestRefinerTieBreaksTopLeft(t *testing.T) {
	querier := &fakeQuerier{responses: []string{
		`{"found": true, "candidates": [
			{"region": "main", "box": [40, 10, 10, 10], "confidence": 0.8},
			{"region": "main", "box": [10, 10, 10, 10], "confidence": 0.8},
			{"region": "main", "box": [10, 40, 10, 10], "confidence": 0.8}
		]}`,
	}}
	r := NewTargetRefiner(querier, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 100, 100)}
	target, err := r.Refine(context.Background(), "a checkbox", frames)
	require.NoError(t, err)
	assert.Equal(t, 10, target.Box.X)
	assert.Equal(t, 10, target.Box.Y)
}

func TestRefinerSkipsInvalidCandidates(t *testing.T) {
	// Out-of-bounds boxes, malformed boxes and unknown regions are all
	// discarded; the one valid low-confidence candidate wins.
	querier := &fakeQuerier{responses: []string{
		`{"found": true, "candidates": [
			{"region": "main", "box": [90, 90, 50, 50], "confidence": 0.99},
			{"region": "ghost", "box": [1, 1, 5, 5], "confidence": 0.99},
			{"region": "main", "box": [1, 1], "confidence": 0.99},
			{"region": "main", "box": [1, 1, 0, 5], "confidence": 0.99},
			{"region": "main", "box": [1, 1, 5, 5], "confidence": 0.2}
		]}`,
	}}
	r := NewTargetRefiner(querier, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 100, 100)}
	target, err := r.Refine(context.Background(), "a tiny icon", frames)
	require.NoError(t, err)
	assert.Equal(t, "main", target.Region)
	assert.InDelta(t, 0.2, target.Confidence, 1e-9)
}

func TestRefinerNotFound(t *testing.T) {
	r := NewTargetRefiner(&fakeQuerier{responses: []string{
		`{"found": false, "candidates": []}`,
	}}, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 10, 10)}
	_, err := r.Refine(context.Background(), "a unicorn", frames)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRefinerAllCandidatesInvalid(t *testing.T) {
	r := NewTargetRefiner(&fakeQuerier{responses: []string{
		`{"found": true, "candidates": [{"region": "main", "box": [-1, 0, 5, 5], "confidence": 0.9}]}`,
	}}, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 10, 10)}
	_, err := r.Refine(context.Background(), "something", frames)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRefinerWithoutVisionBackend(t *testing.T) {
	r := NewTargetRefiner(nil, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 10, 10)}
	_, err := r.Refine(context.Background(), "anything", frames)
	require.Error(t, err)
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeVisionAPI))
}

func TestRefinerNoFrames(t *testing.T) {
	r := NewTargetRefiner(&fakeQuerier{}, "m", zaptest.NewLogger(t))
	_, err := r.Refine(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeAnalysis))
}

func TestRefinerPropagatesQueryError(t *testing.T) {
	queryErr := errors.New("backend down")
	r := NewTargetRefiner(&fakeQuerier{err: queryErr}, "m", zaptest.NewLogger(t))

	frames := map[string]*schemas.Frame{"main": testFrame("main", 10, 10)}
	_, err := r.Refine(context.Background(), "anything", frames)
	assert.ErrorIs(t, err, queryErr)
}
