package onnx

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/snapdetect/pkg/gen"
	"github.com/cyclopcam/snapdetect/pkg/nn"
)

// YOLOv8 anchor-free heads run at strides 8, 16 and 32
var yoloStrides = []int{8, 16, 32}

// Number of predictions that a YOLOv8 model emits for the given input size
func NumAnchors(width, height int) int {
	n := 0
	for _, s := range yoloStrides {
		n += (width / s) * (height / s)
	}
	return n
}

// A raw box from the model, before non-max suppression
type candidate struct {
	obj    nn.ObjectDetection
	coeffs []float32 // mask coefficients (segmentation models only)
}

// Decode the first output of a YOLOv8 model.
// The layout is channel-major: [4 box values + numClasses scores + numMaskCoeffs][numAnchors].
// Box values are center x, center y, width, height, in model pixels.
// Boxes whose best class score is below threshold are dropped here, so that NMS has less work.
func decodeYOLO(out []float32, numAnchors, numClasses, numMaskCoeffs int, threshold float32, lb Letterbox) []candidate {
	cands := []candidate{}
	for i := 0; i < numAnchors; i++ {
		cls := 0
		conf := float32(0)
		for c := 0; c < numClasses; c++ {
			if v := out[(4+c)*numAnchors+i]; v > conf {
				conf = v
				cls = c
			}
		}
		if conf < threshold {
			continue
		}
		cx := out[0*numAnchors+i]
		cy := out[1*numAnchors+i]
		w := out[2*numAnchors+i]
		h := out[3*numAnchors+i]
		x1, y1 := lb.ToSource(cx-w/2, cy-h/2)
		x2, y2 := lb.ToSource(cx+w/2, cy+h/2)
		box := nn.RectFromCorners(x1, y1, x2, y2).Clip(lb.SrcWidth, lb.SrcHeight)
		if box.Area() == 0 {
			continue
		}
		var coeffs []float32
		if numMaskCoeffs != 0 {
			coeffs = make([]float32, numMaskCoeffs)
			for k := range coeffs {
				coeffs[k] = out[(4+numClasses+k)*numAnchors+i]
			}
		}
		cands = append(cands, candidate{
			obj: nn.ObjectDetection{
				Class:      cls,
				Confidence: conf,
				Box:        box,
			},
			coeffs: coeffs,
		})
	}
	return cands
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Build the mask of an object from its coefficients and the prototype masks.
// protos is [numCoeffs][protoHeight][protoWidth], covering the whole letterboxed model input.
// The returned mask covers box, in source image pixels.
func decodeMask(coeffs, protos []float32, protoWidth, protoHeight int, box nn.Rect, lb Letterbox) *nn.Mask {
	mask := nn.NewMask(box.Width, box.Height)
	if box.Width == 0 || box.Height == 0 {
		return mask
	}
	planeSize := protoWidth * protoHeight
	protoScaleX := float32(protoWidth) / float32(lb.ModelWidth)
	protoScaleY := float32(protoHeight) / float32(lb.ModelHeight)

	// Evaluate each prototype pixel at most once
	cache := make(map[int]bool)
	inside := func(px, py int) bool {
		idx := py*protoWidth + px
		if v, ok := cache[idx]; ok {
			return v
		}
		sum := float32(0)
		for k, c := range coeffs {
			sum += c * protos[k*planeSize+idx]
		}
		v := sigmoid(sum) > 0.5
		cache[idx] = v
		return v
	}

	for y := 0; y < box.Height; y++ {
		for x := 0; x < box.Width; x++ {
			mx, my := lb.ToModel(float32(box.X+x)+0.5, float32(box.Y+y)+0.5)
			px := gen.Clamp(int(mx*protoScaleX), 0, protoWidth-1)
			py := gen.Clamp(int(my*protoScaleY), 0, protoHeight-1)
			if inside(px, py) {
				mask.Data[y*box.Width+x] = 255
			}
		}
	}
	return mask
}
