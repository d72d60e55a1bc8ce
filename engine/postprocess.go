package engine

import "image"

// predCols is the width of one YOLOv5 output row:
// cx, cy, w, h, objectness, then one score per COCO class.
const predCols = 4 + 1 + 80

// letterbox describes how an input image was scaled and padded into the
// square network input, so detections can be mapped back.
type letterbox struct {
	Gain       float32
	NewW, NewH int
	PadX, PadY int
	OrigW      int
	OrigH      int
}

// computeLetterbox fits a w*h image into a size*size square, preserving
// aspect ratio and centering the result.
func computeLetterbox(w, h, size int) letterbox {
	gain := float32(size) / float32(w)
	if g := float32(size) / float32(h); g < gain {
		gain = g
	}
	if gain > 1 {
		// never upscale, matches the hub model's preprocessing
		gain = 1
	}
	newW := int(float32(w) * gain)
	newH := int(float32(h) * gain)
	return letterbox{
		Gain:  gain,
		NewW:  newW,
		NewH:  newH,
		PadX:  (size - newW) / 2,
		PadY:  (size - newH) / 2,
		OrigW: w,
		OrigH: h,
	}
}

// decodePredictions walks the raw network output and keeps every row
// whose combined objectness*class score clears confThr. Boxes are
// converted from center format in letterbox coordinates back to corner
// format in original image coordinates.
func decodePredictions(data []float32, confThr float32, lb letterbox) (rects []image.Rectangle, scores []float32, classIDs []int) {
	rows := len(data) / predCols
	for i := 0; i < rows; i++ {
		row := data[i*predCols : (i+1)*predCols]
		obj := row[4]
		if obj < confThr {
			continue
		}
		bestClass := 0
		bestScore := float32(0)
		for c, s := range row[5:] {
			if s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		conf := obj * bestScore
		if conf < confThr {
			continue
		}
		cx, cy, w, h := row[0], row[1], row[2], row[3]
		x1 := (cx - w/2 - float32(lb.PadX)) / lb.Gain
		y1 := (cy - h/2 - float32(lb.PadY)) / lb.Gain
		x2 := (cx + w/2 - float32(lb.PadX)) / lb.Gain
		y2 := (cy + h/2 - float32(lb.PadY)) / lb.Gain
		rects = append(rects, image.Rect(
			clamp(x1, lb.OrigW), clamp(y1, lb.OrigH),
			clamp(x2, lb.OrigW), clamp(y2, lb.OrigH),
		))
		scores = append(scores, conf)
		classIDs = append(classIDs, bestClass)
	}
	return rects, scores, classIDs
}

func clamp(v float32, max int) int {
	if v < 0 {
		return 0
	}
	if v > float32(max) {
		return max
	}
	return int(v)
}
