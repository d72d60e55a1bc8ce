package engine

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeLetterbox(t *testing.T) {
	t.Run("Wide image scales by width", func(t *testing.T) {
		lb := computeLetterbox(1280, 720, 640)
		assert.Equal(t, float32(0.5), lb.Gain)
		assert.Equal(t, 640, lb.NewW)
		assert.Equal(t, 360, lb.NewH)
		assert.Equal(t, 0, lb.PadX)
		assert.Equal(t, 140, lb.PadY)
	})

	t.Run("Small image is not upscaled", func(t *testing.T) {
		lb := computeLetterbox(320, 240, 640)
		assert.Equal(t, float32(1), lb.Gain)
		assert.Equal(t, 320, lb.NewW)
		assert.Equal(t, 240, lb.NewH)
		assert.Equal(t, 160, lb.PadX)
		assert.Equal(t, 200, lb.PadY)
	})

	t.Run("Square image fills the input", func(t *testing.T) {
		lb := computeLetterbox(640, 640, 640)
		assert.Equal(t, float32(1), lb.Gain)
		assert.Equal(t, 0, lb.PadX)
		assert.Equal(t, 0, lb.PadY)
	})
}

// makeRow builds one prediction row with a single active class score.
func makeRow(cx, cy, w, h, obj float32, classID int, score float32) []float32 {
	row := make([]float32, predCols)
	row[0], row[1], row[2], row[3], row[4] = cx, cy, w, h, obj
	row[5+classID] = score
	return row
}

func TestDecodePredictions(t *testing.T) {
	square := letterbox{Gain: 1, NewW: 640, NewH: 640, OrigW: 640, OrigH: 640}

	t.Run("Keeps confident detection", func(t *testing.T) {
		data := makeRow(320, 320, 100, 200, 0.9, CellPhoneClassID, 0.8)
		rects, scores, classIDs := decodePredictions(data, 0.25, square)
		if assert.Len(t, rects, 1) {
			assert.Equal(t, image.Rect(270, 220, 370, 420), rects[0])
			assert.InDelta(t, 0.72, scores[0], 0.0001)
			assert.Equal(t, CellPhoneClassID, classIDs[0])
		}
	})

	t.Run("Drops low objectness", func(t *testing.T) {
		data := makeRow(320, 320, 100, 200, 0.1, CellPhoneClassID, 0.9)
		rects, _, _ := decodePredictions(data, 0.25, square)
		assert.Empty(t, rects)
	})

	t.Run("Drops low combined score", func(t *testing.T) {
		data := makeRow(320, 320, 100, 200, 0.5, CellPhoneClassID, 0.3)
		rects, _, _ := decodePredictions(data, 0.25, square)
		assert.Empty(t, rects)
	})

	t.Run("Picks the best class", func(t *testing.T) {
		data := makeRow(320, 320, 100, 100, 0.9, 0, 0.4)
		data[5+CellPhoneClassID] = 0.8
		_, _, classIDs := decodePredictions(data, 0.25, square)
		if assert.Len(t, classIDs, 1) {
			assert.Equal(t, CellPhoneClassID, classIDs[0])
		}
	})

	t.Run("Maps boxes back through the letterbox", func(t *testing.T) {
		lb := computeLetterbox(1280, 720, 640)
		data := makeRow(320, 320, 100, 200, 0.9, CellPhoneClassID, 0.8)
		rects, _, _ := decodePredictions(data, 0.25, lb)
		if assert.Len(t, rects, 1) {
			assert.Equal(t, image.Rect(540, 160, 740, 560), rects[0])
		}
	})

	t.Run("Clamps boxes to image bounds", func(t *testing.T) {
		data := makeRow(10, 10, 100, 100, 0.9, 0, 0.9)
		rects, _, _ := decodePredictions(data, 0.25, square)
		if assert.Len(t, rects, 1) {
			assert.Equal(t, image.Rect(0, 0, 60, 60), rects[0])
		}
	})

	t.Run("Multiple rows", func(t *testing.T) {
		data := append(
			makeRow(100, 100, 50, 50, 0.9, 0, 0.9),
			makeRow(320, 320, 100, 200, 0.9, CellPhoneClassID, 0.8)...,
		)
		rects, _, classIDs := decodePredictions(data, 0.25, square)
		assert.Len(t, rects, 2)
		assert.Equal(t, []int{0, CellPhoneClassID}, classIDs)
	})
}
