package dispatch

import (
	"fmt"
	"image"
	"math"
)

const mmPerInch = 25.4

// PageSpec is the physical paper the raster device prints on.
type PageSpec struct {
	DPI      int
	WidthMM  float64
	HeightMM float64
	// MarginMM is the unprintable border the driver reserves on every side.
	MarginMM float64
}

// PageDevice reports page geometry in device pixels.
type PageDevice interface {
	PageSize() image.Point
	PrintableArea(printer string) (image.Rectangle, error)
}

// RasterDevice derives geometry from a fixed PageSpec, the same for every
// printer.
type RasterDevice struct {
	spec PageSpec
	size image.Point
	area image.Rectangle
}

func NewRasterDevice(spec PageSpec) (*RasterDevice, error) {
	if spec.DPI <= 0 || spec.WidthMM <= 0 || spec.HeightMM <= 0 {
		return nil, fmt.Errorf("invalid page spec %+v", spec)
	}
	size := image.Pt(mmToPx(spec.WidthMM, spec.DPI), mmToPx(spec.HeightMM, spec.DPI))
	margin := mmToPx(spec.MarginMM, spec.DPI)
	if margin < 0 || 2*margin >= size.X || 2*margin >= size.Y {
		return nil, fmt.Errorf("margin %.1fmm leaves no printable area", spec.MarginMM)
	}
	area := image.Rect(margin, margin, size.X-margin, size.Y-margin)
	return &RasterDevice{spec: spec, size: size, area: area}, nil
}

func (d *RasterDevice) PageSize() image.Point { return d.size }

func (d *RasterDevice) PrintableArea(string) (image.Rectangle, error) {
	return d.area, nil
}

func mmToPx(mm float64, dpi int) int {
	return int(math.Round(mm / mmPerInch * float64(dpi)))
}

func mmToPoints(mm float64) float64 {
	return mm / mmPerInch * 72
}

// FitRect places an image of size src inside area. The target box is
// scalePercent of the area; the image keeps its aspect ratio, is never
// enlarged, and is centred in the area.
func FitRect(src image.Point, area image.Rectangle, scalePercent int) image.Rectangle {
	if scalePercent < 1 {
		scalePercent = 1
	}
	if scalePercent > 100 {
		scalePercent = 100
	}
	if src.X <= 0 || src.Y <= 0 || area.Empty() {
		return image.Rectangle{Min: area.Min, Max: area.Min}
	}

	boxW := float64(area.Dx()) * float64(scalePercent) / 100
	boxH := float64(area.Dy()) * float64(scalePercent) / 100

	ratio := math.Min(boxW/float64(src.X), boxH/float64(src.Y))
	if ratio > 1 {
		ratio = 1
	}

	w := max(1, int(math.Floor(float64(src.X)*ratio)))
	h := max(1, int(math.Floor(float64(src.Y)*ratio)))

	x0 := area.Min.X + (area.Dx()-w)/2
	y0 := area.Min.Y + (area.Dy()-h)/2
	return image.Rect(x0, y0, x0+w, y0+h)
}
