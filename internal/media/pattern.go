package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// PatternSource renders a moving test card and JPEG-encodes it. It stands
// in for a camera.
type PatternSource struct {
	mu      sync.Mutex
	img     *image.RGBA
	quality int
	tick    int
	buf     bytes.Buffer
}

// NewPatternSource creates a width×height source encoding at quality (1-100).
func NewPatternSource(width, height, quality int) (*PatternSource, error) {
	if width < 16 || height < 16 {
		return nil, fmt.Errorf("pattern size %dx%d too small", width, height)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range", quality)
	}
	return &PatternSource{
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
		quality: quality,
	}, nil
}

var (
	black = color.RGBA{A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
	white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Next renders and encodes the next frame.
func (p *PatternSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.draw()
	p.tick++

	p.buf.Reset()
	if err := jpeg.Encode(&p.buf, p.img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return bytes.Clone(p.buf.Bytes()), nil
}

// draw paints a border, both diagonals and a bar sweeping left to right.
func (p *PatternSource) draw() {
	b := p.img.Bounds()
	w, h := b.Dx(), b.Dy()
	margin := min(w, h) / 10

	for y := range h {
		for x := range w {
			p.img.SetRGBA(x, y, black)
		}
	}

	for x := margin; x < w-margin; x++ {
		for t := range 3 {
			p.img.SetRGBA(x, margin+t, green)
			p.img.SetRGBA(x, h-margin-1-t, green)
		}
	}
	for y := margin; y < h-margin; y++ {
		for t := range 3 {
			p.img.SetRGBA(margin+t, y, green)
			p.img.SetRGBA(w-margin-1-t, y, green)
		}
	}

	inner := w - 2*margin
	for i := range inner {
		y := margin + i*(h-2*margin)/inner
		p.img.SetRGBA(margin+i, y, blue)
		p.img.SetRGBA(w-margin-1-i, y, blue)
	}

	bar := (p.tick * 4) % w
	for y := range h {
		for x := bar; x < min(bar+4, w); x++ {
			p.img.SetRGBA(x, y, white)
		}
	}
}

// Close is a no-op.
func (p *PatternSource) Close() error { return nil }
