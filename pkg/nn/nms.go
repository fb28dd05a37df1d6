package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression discards every candidate below the probability threshold,
// and then greedily removes boxes that overlap a more confident box of the same
// class by more than the IoU threshold.
// The result is ordered by descending confidence. The input slice is not modified.
func NonMaxSuppression(candidates []ObjectDetection, params *DetectionParams) []ObjectDetection {
	idx := NonMaxSuppressionIndices(candidates, params)
	keep := make([]ObjectDetection, len(idx))
	for i, j := range idx {
		keep[i] = candidates[j]
	}
	return keep
}

// NonMaxSuppressionIndices is NonMaxSuppression, but returns indices into candidates
func NonMaxSuppressionIndices(candidates []ObjectDetection, params *DetectionParams) []int {
	p := params.WithDefaults()

	order := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if c.Confidence >= p.ProbabilityThreshold {
			order = append(order, i)
		}
	}
	if len(order) == 0 {
		return order
	}

	sort.SliceStable(order, func(i, j int) bool {
		return candidates[order[i]].Confidence > candidates[order[j]].Confidence
	})
	input := make([]ObjectDetection, len(order))
	for i, j := range order {
		input[i] = candidates[j]
	}

	// Spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(float32(b.Box.X), float32(b.Box.Y), float32(b.Box.X2()), float32(b.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	keep := make([]int, 0, len(input))
	for i, in := range input {
		if suppressed[i] {
			continue
		}
		keep = append(keep, order[i])
		for _, j := range fb.Search(float32(in.Box.X), float32(in.Box.Y), float32(in.Box.X2()), float32(in.Box.Y2())) {
			// Only less confident boxes can be suppressed by this one
			if j <= i || suppressed[j] || input[j].Class != in.Class {
				continue
			}
			if in.Box.IOU(input[j].Box) > p.NmsIouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
