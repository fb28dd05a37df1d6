package nn

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
	Mask       *Mask   `json:"-"` // Only populated by segmentation models
}

// Mask is a binary segmentation mask that covers the bounding box of an object.
// Data is row-major, Width*Height bytes, and each value is either 0 or 255.
type Mask struct {
	Width  int
	Height int
	Data   []byte
}

func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height),
	}
}

func (m *Mask) At(x, y int) byte {
	return m.Data[y*m.Width+x]
}

// Return the number of pixels that are inside the mask
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}
