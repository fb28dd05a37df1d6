package onnx

import (
	"testing"

	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestLetterbox(t *testing.T) {
	lb := MakeLetterbox(1280, 640, 640, 640)
	require.Equal(t, float32(0.5), lb.Scale)
	require.Equal(t, 640, lb.ScaledWidth)
	require.Equal(t, 320, lb.ScaledHeight)
	require.Equal(t, 0, lb.PadX)
	require.Equal(t, 160, lb.PadY)

	x, y := lb.ToSource(320, 320)
	require.InDelta(t, 640, x, 0.001)
	require.InDelta(t, 320, y, 0.001)

	mx, my := lb.ToModel(x, y)
	require.InDelta(t, 320, mx, 0.001)
	require.InDelta(t, 320, my, 0.001)
}

func TestNumAnchors(t *testing.T) {
	require.Equal(t, 8400, NumAnchors(640, 640))
	require.Equal(t, 1680, NumAnchors(320, 256))
}

// Build a fake channel-major output tensor
type fakeOutput struct {
	numAnchors int
	numClasses int
	numCoeffs  int
	data       []float32
}

func newFakeOutput(numAnchors, numClasses, numCoeffs int) *fakeOutput {
	return &fakeOutput{
		numAnchors: numAnchors,
		numClasses: numClasses,
		numCoeffs:  numCoeffs,
		data:       make([]float32, (4+numClasses+numCoeffs)*numAnchors),
	}
}

func (f *fakeOutput) set(anchor int, cx, cy, w, h float32, class int, conf float32, coeffs ...float32) {
	n := f.numAnchors
	f.data[0*n+anchor] = cx
	f.data[1*n+anchor] = cy
	f.data[2*n+anchor] = w
	f.data[3*n+anchor] = h
	f.data[(4+class)*n+anchor] = conf
	for k, c := range coeffs {
		f.data[(4+f.numClasses+k)*n+anchor] = c
	}
}

func TestDecodeMapsToSourceCoordinates(t *testing.T) {
	lb := MakeLetterbox(1280, 640, 640, 640)
	out := newFakeOutput(4, 3, 0)
	// A 100x50 box centered at (320,320) in model space is 200x100 centered at (640,320) in the source
	out.set(0, 320, 320, 100, 50, 2, 0.9)
	// Below threshold
	out.set(1, 100, 300, 20, 20, 0, 0.1)

	cands := decodeYOLO(out.data, 4, 3, 0, 0.25, lb)
	require.Len(t, cands, 1)
	obj := cands[0].obj
	require.Equal(t, 2, obj.Class)
	require.InDelta(t, 0.9, obj.Confidence, 0.0001)
	require.Equal(t, nn.Rect{X: 540, Y: 270, Width: 200, Height: 100}, obj.Box)
	require.Nil(t, cands[0].coeffs)
}

func TestDecodeClipsToImage(t *testing.T) {
	lb := MakeLetterbox(640, 640, 640, 640)
	out := newFakeOutput(2, 1, 0)
	out.set(0, 10, 10, 40, 40, 0, 0.8)
	cands := decodeYOLO(out.data, 2, 1, 0, 0.25, lb)
	require.Len(t, cands, 1)
	require.Equal(t, nn.Rect{X: 0, Y: 0, Width: 30, Height: 30}, cands[0].obj.Box)
}

func TestFinishDetectionsSuppressesAndMasks(t *testing.T) {
	lb := MakeLetterbox(64, 64, 64, 64)
	out := newFakeOutput(3, 2, 1)
	out.set(0, 32, 32, 32, 32, 0, 0.9, 1)
	out.set(1, 33, 33, 32, 32, 0, 0.7, 1)  // overlaps anchor 0, same class
	out.set(2, 33, 33, 32, 32, 1, 0.6, -1) // overlaps, but a different class

	// One prototype plane at 1/4 resolution. Left half positive, right half negative.
	pw, ph := 16, 16
	protos := make([]float32, pw*ph)
	for y := 0; y < ph; y++ {
		for x := 0; x < pw; x++ {
			if x < pw/2 {
				protos[y*pw+x] = 5
			} else {
				protos[y*pw+x] = -5
			}
		}
	}

	params := nn.NewDetectionParams().WithDefaults()
	cands := decodeYOLO(out.data, 3, 2, 1, params.ProbabilityThreshold, lb)
	require.Len(t, cands, 3)
	objs := finishDetections(cands, protos, pw, ph, params, lb)
	require.Len(t, objs, 2)
	require.Equal(t, 0, objs[0].Class)
	require.Equal(t, 1, objs[1].Class)

	// Box is x=16..48, and the mask should cover x<32 for coefficient +1
	m := objs[0].Mask
	require.NotNil(t, m)
	require.Equal(t, 32, m.Width)
	require.Equal(t, 32, m.Height)
	require.Equal(t, byte(255), m.At(0, 0))
	require.Equal(t, byte(255), m.At(15, 31))
	require.Equal(t, byte(0), m.At(16, 0))
	require.Equal(t, 16*32, m.Area())

	// Negative coefficient flips the mask
	m = objs[1].Mask
	require.Equal(t, byte(0), m.At(0, 0))
	require.Equal(t, byte(255), m.At(m.Width-1, 0))
}
