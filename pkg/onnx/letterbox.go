package onnx

// Letterbox describes how a source image is scaled and padded to fit the
// fixed input size of a YOLO model, without changing its aspect ratio.
type Letterbox struct {
	SrcWidth     int
	SrcHeight    int
	ModelWidth   int
	ModelHeight  int
	Scale        float32 // model pixels per source pixel
	ScaledWidth  int
	ScaledHeight int
	PadX         int // left padding, in model pixels
	PadY         int // top padding, in model pixels
}

func MakeLetterbox(srcWidth, srcHeight, modelWidth, modelHeight int) Letterbox {
	scale := min(float32(modelWidth)/float32(srcWidth), float32(modelHeight)/float32(srcHeight))
	sw := max(1, min(modelWidth, int(float32(srcWidth)*scale+0.5)))
	sh := max(1, min(modelHeight, int(float32(srcHeight)*scale+0.5)))
	return Letterbox{
		SrcWidth:     srcWidth,
		SrcHeight:    srcHeight,
		ModelWidth:   modelWidth,
		ModelHeight:  modelHeight,
		Scale:        scale,
		ScaledWidth:  sw,
		ScaledHeight: sh,
		PadX:         (modelWidth - sw) / 2,
		PadY:         (modelHeight - sh) / 2,
	}
}

// Convert model coordinates to source image coordinates
func (l Letterbox) ToSource(x, y float32) (float32, float32) {
	return (x - float32(l.PadX)) / l.Scale, (y - float32(l.PadY)) / l.Scale
}

// Convert source image coordinates to model coordinates
func (l Letterbox) ToModel(x, y float32) (float32, float32) {
	return x*l.Scale + float32(l.PadX), y*l.Scale + float32(l.PadY)
}
