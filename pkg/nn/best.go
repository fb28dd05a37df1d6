package nn

import "errors"

// ErrEmptyDetectionSet is returned by Best when there is nothing to choose from.
// This is an expected outcome ("no objects detected"), not a failure.
var ErrEmptyDetectionSet = errors.New("No objects detected")

// Best returns the detection with the highest confidence.
// If several detections share the highest confidence, the first one wins.
func Best(objects []ObjectDetection) (ObjectDetection, error) {
	if len(objects) == 0 {
		return ObjectDetection{}, ErrEmptyDetectionSet
	}
	best := 0
	for i := 1; i < len(objects); i++ {
		if objects[i].Confidence > objects[best].Confidence {
			best = i
		}
	}
	return objects[best], nil
}
