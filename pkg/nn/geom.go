package nn

import (
	"github.com/chewxy/math32"
)

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Create a rectangle from floating point corner coordinates, rounding to the nearest pixel
func RectFromCorners(x1, y1, x2, y2 float32) Rect {
	ix1 := int(math32.Round(x1))
	iy1 := int(math32.Round(y1))
	ix2 := int(math32.Round(x2))
	iy2 := int(math32.Round(y2))
	return Rect{
		X:      ix1,
		Y:      iy1,
		Width:  max(0, ix2-ix1),
		Height: max(0, iy2-iy1),
	}
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	union := r.Area() + b.Area() - intersection.Area()
	if union == 0 {
		return 0
	}
	return float32(intersection.Area()) / float32(union)
}

// Clip the rectangle to the image bounds [0,0,width,height]
func (r Rect) Clip(width, height int) Rect {
	return r.Intersection(Rect{X: 0, Y: 0, Width: width, Height: height})
}
