package producer

import (
	"image"
	"image/color"

	"golang.org/x/image/colornames"
)

// barColors is the cycling palette used to paint synthetic stub-mode test
// patterns: vertical color bars that shift one bar per frame, giving a
// visibly moving picture useful for validating renderer pacing without a
// real decoder.
var barColors = []color.Color{
	colornames.White,
	colornames.Yellow,
	colornames.Cyan,
	colornames.Lime,
	colornames.Magenta,
	colornames.Red,
	colornames.Blue,
	colornames.Black,
}

// generateStubFrame renders a vertical color-bar test pattern at the given
// dimensions, rotated by frameIndex bars per call, and returns it as planar
// YUV420 bytes matching frame.YUV420Size(width, height).
func generateStubFrame(width, height, frameIndex int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(barColors)
	if barWidth < 1 {
		barWidth = 1
	}
	for x := 0; x < width; x++ {
		barIdx := ((x / barWidth) + frameIndex) % len(barColors)
		c := barColors[barIdx]
		for y := 0; y < height; y++ {
			img.Set(x, y, c)
		}
	}
	return rgbaToYUV420(img, width, height)
}

// rgbaToYUV420 converts an RGBA image to planar YUV420 (4:2:0) using the
// standard BT.601 full-range coefficients, subsampling chroma 2x2.
func rgbaToYUV420(img *image.RGBA, width, height int) []byte {
	lumaSize := width * height
	chromaW, chromaH := width/2, height/2
	chromaSize := chromaW * chromaH
	out := make([]byte, lumaSize+2*chromaSize)

	yPlane := out[:lumaSize]
	uPlane := out[lumaSize : lumaSize+chromaSize]
	vPlane := out[lumaSize+chromaSize:]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			r8, g8, b8 := byte(r>>8), byte(g>>8), byte(b>>8)
			yPlane[y*width+x] = rgbToY(r8, g8, b8)
		}
	}
	for cy := 0; cy < chromaH; cy++ {
		for cx := 0; cx < chromaW; cx++ {
			r, g, b, _ := img.At(cx*2, cy*2).RGBA()
			r8, g8, b8 := byte(r>>8), byte(g>>8), byte(b>>8)
			uPlane[cy*chromaW+cx] = rgbToU(r8, g8, b8)
			vPlane[cy*chromaW+cx] = rgbToV(r8, g8, b8)
		}
	}
	return out
}

func rgbToY(r, g, b byte) byte {
	return clampByte(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
}

func rgbToU(r, g, b byte) byte {
	return clampByte(128 - 0.168736*float64(r) - 0.331264*float64(g) + 0.5*float64(b))
}

func rgbToV(r, g, b byte) byte {
	return clampByte(128 + 0.5*float64(r) - 0.418688*float64(g) - 0.081312*float64(b))
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
