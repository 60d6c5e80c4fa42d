package encoder

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// jpegEncoder compresses BGRA frames for the native containers, reusing its
// scratch image between frames of the same size.
type jpegEncoder struct {
	quality int
	img     *image.RGBA
	buf     bytes.Buffer
}

func newJPEGEncoder(quality int) *jpegEncoder {
	return &jpegEncoder{quality: quality}
}

func (e *jpegEncoder) encode(f *core.VideoFrame) ([]byte, error) {
	if f.Format != core.PixelFormatBGRA {
		return nil, errors.Errorf("unsupported pixel format %q", f.Format)
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	if len(f.Pix) < stride*(f.Height-1)+f.Width*4 {
		return nil, errors.Errorf("frame buffer too short: %d bytes for %dx%d", len(f.Pix), f.Width, f.Height)
	}
	if e.img == nil || e.img.Rect.Dx() != f.Width || e.img.Rect.Dy() != f.Height {
		e.img = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*stride : y*stride+f.Width*4]
		dst := e.img.Pix[y*e.img.Stride : y*e.img.Stride+f.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x]
			dst[x+3] = 0xff
		}
	}
	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, e.img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return append([]byte(nil), e.buf.Bytes()...), nil
}
