package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// MergeDuplicateFaces removes detections that cover the same face.
// Sometimes the face localizer emits two boxes for one face, at slightly different scales.
// Of any pair whose IoU is at least minIoU, we keep the one with the more confident
// dominant expression. Detections without scores lose to detections with scores.
// The relative order of the survivors is preserved.
func MergeDuplicateFaces(input []Detection, minIoU float32) []Detection {
	if len(input) < 2 || minIoU <= 0 {
		return input
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, d := range input {
		minX, minY, maxX, maxY := indexBounds(d.Box)
		fb.Add(minX, minY, maxX, maxY)
	}
	fb.Finish()

	// Visit the most confident faces first, so that a face can only be suppressed by a better one
	confidence := make([]float32, len(input))
	order := make([]int, len(input))
	for i, d := range input {
		order[i] = i
		if c, ok := Classify(d.Expressions); ok {
			confidence[i] = c.Score
		} else {
			confidence[i] = -1
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return confidence[order[a]] > confidence[order[b]]
	})

	deleted := make([]bool, len(input))
	nearby := []int{}
	for _, i := range order {
		if deleted[i] {
			continue
		}
		minX, minY, maxX, maxY := indexBounds(input[i].Box)
		nearby = fb.SearchFast(minX, minY, maxX, maxY, nearby)
		for _, j := range nearby {
			if j == i || deleted[j] {
				continue
			}
			if input[i].Box.IOU(input[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}

	retain := make([]Detection, 0, len(input))
	for i, d := range input {
		if !deleted[i] {
			retain = append(retain, d)
		}
	}
	return retain
}

// Integer bounds that fully enclose r
func indexBounds(r Rect) (minX, minY, maxX, maxY int32) {
	return int32(math32.Floor(r.X)), int32(math32.Floor(r.Y)), int32(math32.Ceil(r.X2())), int32(math32.Ceil(r.Y2()))
}
