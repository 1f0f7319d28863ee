package loaders

import (
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"

	"github.com/spaghettifunk/vita/engine/core"
)

// ImageData is a decoded image normalized to tightly packed RGBA, which is
// what the upload path expects for FormatR8G8B8A8Unorm.
type ImageData struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

type ImageLoader struct{}

// Load decodes a PNG, JPEG or BMP file into RGBA pixels. flipY reverses the
// row order for consumers with a bottom-left origin.
func (il *ImageLoader) Load(path string, flipY bool) (*ImageData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, core.Wrapf(err, "failed to open image %s", path)
	}
	defer file.Close()

	decoded, _, err := image.Decode(file)
	if err != nil {
		return nil, core.Wrapf(err, "failed to decode image %s", path)
	}

	bounds := decoded.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), decoded, bounds.Min, draw.Src)

	if flipY {
		flipRows(rgba)
	}

	return &ImageData{
		Width:  uint32(bounds.Dx()),
		Height: uint32(bounds.Dy()),
		Pixels: rgba.Pix,
	}, nil
}

func flipRows(img *image.RGBA) {
	height := img.Bounds().Dy()
	row := make([]byte, img.Stride)
	for y := 0; y < height/2; y++ {
		top := img.Pix[y*img.Stride : (y+1)*img.Stride]
		bottom := img.Pix[(height-1-y)*img.Stride : (height-y)*img.Stride]
		copy(row, top)
		copy(top, bottom)
		copy(bottom, row)
	}
}
