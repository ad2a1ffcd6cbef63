package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// Encoder downscales frames to the predictor resolution and encodes them
// as JPEG.
type Encoder struct {
	Width   int
	Height  int
	Quality int
}

func (e Encoder) Encode(src image.Image) ([]byte, error) {
	if src == nil {
		return nil, fmt.Errorf("encode: nil image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, e.Width, e.Height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
