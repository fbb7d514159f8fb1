/**
 * Region types - page geometry and recognized text units
 *
 * Shared by the extractor, the deduplicator and the OCR adapter
 */

package region

import "fmt"

// Box is an axis-aligned rectangle in page-local units
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Right edge of the box
func (b Box) Right() float64 { return b.X + b.Width }

// Bottom edge of the box
func (b Box) Bottom() float64 { return b.Y + b.Height }

// Union returns the smallest box covering both boxes
func (b Box) Union(o Box) Box {
	x := minf(b.X, o.X)
	y := minf(b.Y, o.Y)
	return Box{
		X:      x,
		Y:      y,
		Width:  maxf(b.Right(), o.Right()) - x,
		Height: maxf(b.Bottom(), o.Bottom()) - y,
	}
}

// Scale multiplies coordinates by sx horizontally and sy vertically
func (b Box) Scale(sx, sy float64) Box {
	return Box{X: b.X * sx, Y: b.Y * sy, Width: b.Width * sx, Height: b.Height * sy}
}

// RawBlock is one OCR engine result: text, raster box and confidence in [0,1]
type RawBlock struct {
	Text       string
	Box        Box
	Confidence float64
}

// Page describes a rendered page. Raster sizes are the pixel dimensions of the
// image handed to OCR; zero means OCR boxes are already in page units.
type Page struct {
	ID           int
	Width        float64
	Height       float64
	RasterWidth  int
	RasterHeight int
}

// scale returns raster-to-page factors
func (p Page) scale() (float64, float64) {
	sx, sy := 1.0, 1.0
	if p.RasterWidth > 0 && p.Width > 0 {
		sx = p.Width / float64(p.RasterWidth)
	}
	if p.RasterHeight > 0 && p.Height > 0 {
		sy = p.Height / float64(p.RasterHeight)
	}
	return sx, sy
}

// TextRegion is an addressable unit of recognized page text
type TextRegion struct {
	ID          string
	PageID      int
	Box         Box
	Text        string
	Confidence  float64
	Fingerprint Fingerprint
}

// RegionID builds the stable identifier of the n-th region of a page
func RegionID(pageID, n int) string {
	return fmt.Sprintf("page-%d-region-%d", pageID, n)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
