package sources

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// File extensions that we accept, without the dot
var Extensions = []string{"jpg", "jpeg", "png", "bmp", "webp"}

// Return true if the filename has one of our image extensions
func IsSupportedExtension(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Decode an image, and downscale it if either side is larger than maxDimension.
// Returns the image and the format name (eg "jpeg").
func decodeImage(source string, raw []byte, maxDimension int) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &ImageDecodeError{Source: source, Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", &ImageDecodeError{Source: source, Err: fmt.Errorf("Image is empty")}
	}
	if maxDimension > 0 && (b.Dx() > maxDimension || b.Dy() > maxDimension) {
		img = resize.Thumbnail(uint(maxDimension), uint(maxDimension), img, resize.Bilinear)
	}
	return img, format, nil
}

// DecodeFile reads an image from disk, downscaling it if necessary
func DecodeFile(filename string, maxDimension int) (image.Image, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	img, _, err := decodeImage(filename, raw, maxDimension)
	return img, err
}

// File extension for an image.Decode format name
func formatExtension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "":
		return ".img"
	}
	return "." + format
}

// Pack an image into the 24-bit RGB layout that the NN expects
func RGBCrop(img image.Image) nn.ImageCrop {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		src := rgba.Pix[y*rgba.Stride:]
		dst := pix[y*w*3:]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+0]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return nn.WholeImage(3, pix, w, h)
}
