package render

// Package render draws a detection onto an image

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/snapdetect/pkg/gen"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/fogleman/gg"
)

// Box colors, indexed by class
var palette = []color.RGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{146, 204, 23, 255},
	{61, 219, 134, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
	{44, 153, 168, 255},
	{0, 194, 255, 255},
	{52, 69, 147, 255},
	{100, 115, 255, 255},
	{0, 24, 236, 255},
	{132, 56, 255, 255},
	{82, 0, 133, 255},
	{203, 56, 255, 255},
	{255, 149, 200, 255},
	{255, 55, 199, 255},
}

// Opacity of the segmentation mask overlay, out of 255
const maskAlpha = 110

func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Format the text of the label tab, eg "person 0.87"
func LabelText(label string, confidence float32) string {
	return fmt.Sprintf("%v %.2f", label, confidence)
}

// Render draws det onto a copy of src.
// We draw the mask (if any), then the box outline, then a filled label tab above the box.
// src is never modified, and the output depends only on the inputs.
func Render(src image.Image, det nn.ObjectDetection, label string) *image.RGBA {
	dc := gg.NewContextForImage(src)
	out := dc.Image().(*image.RGBA)
	col := ClassColor(det.Class)

	if det.Mask != nil {
		drawMask(out, det.Box, det.Mask, col)
	}

	b := out.Bounds()
	lineWidth := max(2, float64(min(b.Dx(), b.Dy()))/200)
	dc.SetColor(col)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(float64(det.Box.X)+lineWidth/2, float64(det.Box.Y)+lineWidth/2, float64(det.Box.Width)-lineWidth, float64(det.Box.Height)-lineWidth)
	dc.Stroke()

	text := LabelText(label, det.Confidence)
	tw, th := dc.MeasureString(text)
	pad := 3.0
	tabW := tw + pad*2
	tabH := th + pad*2
	tabX := float64(det.Box.X)
	tabY := float64(det.Box.Y) - tabH
	if tabY < 0 {
		// No room above the box, so put the tab inside it
		tabY = float64(det.Box.Y)
	}
	tabX = gen.Clamp(tabX, 0, float64(b.Dx())-tabW)
	dc.DrawRectangle(tabX, tabY, tabW, tabH)
	dc.Fill()
	dc.SetColor(textColor(col))
	dc.DrawStringAnchored(text, tabX+pad, tabY+pad, 0, 1)

	return out
}

// Black text on light colors, white text on dark colors
func textColor(bg color.RGBA) color.Color {
	lum := 299*int(bg.R) + 587*int(bg.G) + 114*int(bg.B)
	if lum > 150*1000 {
		return color.Black
	}
	return color.White
}

func drawMask(img *image.RGBA, box nn.Rect, mask *nn.Mask, col color.RGBA) {
	b := img.Bounds()
	a := uint32(maskAlpha)
	for y := 0; y < mask.Height; y++ {
		iy := box.Y + y
		if iy < b.Min.Y || iy >= b.Max.Y {
			continue
		}
		for x := 0; x < mask.Width; x++ {
			ix := box.X + x
			if ix < b.Min.X || ix >= b.Max.X || mask.At(x, y) == 0 {
				continue
			}
			p := img.PixOffset(ix, iy)
			img.Pix[p+0] = uint8((uint32(img.Pix[p+0])*(255-a) + uint32(col.R)*a) / 255)
			img.Pix[p+1] = uint8((uint32(img.Pix[p+1])*(255-a) + uint32(col.G)*a) / 255)
			img.Pix[p+2] = uint8((uint32(img.Pix[p+2])*(255-a) + uint32(col.B)*a) / 255)
		}
	}
}

// Encode an image as a JPEG
func EncodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	b := img.Bounds()
	wrap := cimg.WrapImageStrided(b.Dx(), b.Dy(), cimg.PixelFormatRGBA, img.Pix[img.PixOffset(b.Min.X, b.Min.Y):], img.Stride)
	return cimg.Compress(wrap.ToRGB(), cimg.MakeCompressParams(cimg.Sampling444, quality, 0))
}
