package display

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// MinOpacity keeps the preview from becoming invisible
	MinOpacity = config.MinAlpha
	MaxOpacity = config.MaxAlpha
)

// ClampOpacity limits alpha to [MinOpacity, MaxOpacity]
func ClampOpacity(alpha float64) float64 {
	if alpha < MinOpacity {
		return MinOpacity
	}
	if alpha > MaxOpacity {
		return MaxOpacity
	}
	return alpha
}

// FitRect returns the largest rectangle with the source aspect ratio that
// fits in a dstW x dstH area, centered
func FitRect(srcW, srcH, dstW, dstH int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return image.Rectangle{}
	}

	scaleX := float64(dstW) / float64(srcW)
	scaleY := float64(dstH) / float64(srcH)
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}

	w := int(float64(srcW)*scale + 0.5)
	h := int(float64(srcH)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w > dstW {
		w = dstW
	}
	if h > dstH {
		h = dstH
	}

	x := (dstW - w) / 2
	y := (dstH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// renderFrame scales src into a width x height canvas, letterboxed on black
func renderFrame(src *image.RGBA, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)

	sb := src.Bounds()
	dr := FitRect(sb.Dx(), sb.Dy(), width, height)
	if dr.Empty() {
		return out
	}

	if dr.Dx() == sb.Dx() && dr.Dy() == sb.Dy() {
		draw.Draw(out, dr, src, sb.Min, draw.Src)
		return out
	}
	draw.CatmullRom.Scale(out, dr, src, sb, draw.Src, nil)
	return out
}

// renderStatus draws white text on black, wrapped to the canvas width and
// centered vertically
func renderStatus(text string, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	const padding = 4
	lines := wrapText(face, text, width-2*padding)
	if len(lines) == 0 {
		return out
	}

	lineHeight := face.Metrics().Height.Ceil()
	ascent := face.Metrics().Ascent.Ceil()
	top := (height - lineHeight*len(lines)) / 2
	if top < 0 {
		top = 0
	}

	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
	}
	for i, line := range lines {
		lineWidth := d.MeasureString(line).Ceil()
		x := (width - lineWidth) / 2
		if x < padding {
			x = padding
		}
		d.Dot = fixed.P(x, top+i*lineHeight+ascent)
		d.DrawString(line)
	}
	return out
}

// wrapText breaks text into lines no wider than maxWidth pixels. Words
// longer than a line are kept whole.
func wrapText(face font.Face, text string, maxWidth int) []string {
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			continue
		}

		line := words[0]
		for _, word := range words[1:] {
			candidate := line + " " + word
			if font.MeasureString(face, candidate).Ceil() > maxWidth {
				lines = append(lines, line)
				line = word
				continue
			}
			line = candidate
		}
		lines = append(lines, line)
	}
	return lines
}

// pixmapFormat describes how the server lays out ZPixmap data
type pixmapFormat struct {
	depth        byte
	bitsPerPixel int
	scanlinePad  int
	lsbFirst     bool
}

// stride returns the padded byte length of one scanline
func (f pixmapFormat) stride(width int) int {
	pad := f.scanlinePad
	if pad == 0 {
		pad = 32
	}
	return ((width*f.bitsPerPixel + pad - 1) / pad) * pad / 8
}

// packZPixmap converts an RGBA image to the server's ZPixmap layout
func packZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, int, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	bytesPerPixel := f.bitsPerPixel / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bits per pixel: %d", f.bitsPerPixel)
	}

	stride := f.stride(width)
	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		src := img.PixOffset(b.Min.X, b.Min.Y+y)
		dst := y * stride
		for x := 0; x < width; x++ {
			r, g, bl, a := img.Pix[src], img.Pix[src+1], img.Pix[src+2], img.Pix[src+3]
			if f.lsbFirst {
				data[dst] = bl
				data[dst+1] = g
				data[dst+2] = r
				if bytesPerPixel == 4 && f.depth == 32 {
					data[dst+3] = a
				}
			} else if bytesPerPixel == 4 {
				if f.depth == 32 {
					data[dst] = a
				}
				data[dst+1] = r
				data[dst+2] = g
				data[dst+3] = bl
			} else {
				data[dst] = r
				data[dst+1] = g
				data[dst+2] = bl
			}
			src += 4
			dst += bytesPerPixel
		}
	}
	return data, stride, nil
}
