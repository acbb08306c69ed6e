// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	iface "SawitDetServer/interface"

	"gocv.io/x/gocv"
)

const (
	StrokeWidth = 2
	FontScale   = 0.55
	// label text is measured with a heavier stroke than it is drawn with,
	// so the background always covers the glyphs
	measureThickness = 2
	textThickness    = 1
	labelPadding     = 10
	labelMarginX     = 6
	textInsetX       = 3
	textInsetY       = 5
)

var TextColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// measureText is swapped out by tests that only check geometry.
var measureText = func(text string) image.Point {
	return gocv.GetTextSize(text, gocv.FontHersheySimplex, FontScale, measureThickness)
}

// Mark is everything drawn for a single detection.
type Mark struct {
	Detection  iface.Detection
	Label      string
	Color      color.RGBA
	LabelRect  image.Rectangle
	TextOrigin image.Point
	Below      bool // label placed under the box bottom edge
}

// Label renders "<class_name> (<confidence>%)" with one decimal.
func Label(det iface.Detection, table *ClassTable) string {
	return fmt.Sprintf("%s (%.1f%%)", table.Name(det.Class), float64(det.Confidence)*100)
}

// Layout computes the marks for dets without touching any pixels.
func Layout(dets []iface.Detection, table *ClassTable) []Mark {
	marks := make([]Mark, 0, len(dets))
	for _, det := range dets {
		label := Label(det, table)
		size := measureText(label)
		box := det.Box.Canon()
		m := Mark{
			Detection: det,
			Label:     label,
			Color:     table.Color(det.Class),
		}
		if box.Min.Y-size.Y-labelPadding < 0 {
			m.Below = true
			m.LabelRect = image.Rect(box.Min.X, box.Max.Y, box.Min.X+size.X+labelMarginX, box.Max.Y+size.Y+labelPadding)
			m.TextOrigin = image.Pt(box.Min.X+textInsetX, box.Max.Y+size.Y+textInsetY)
		} else {
			m.LabelRect = image.Rect(box.Min.X, box.Min.Y-size.Y-labelPadding, box.Min.X+size.X+labelMarginX, box.Min.Y)
			m.TextOrigin = image.Pt(box.Min.X+textInsetX, box.Min.Y-textInsetY)
		}
		marks = append(marks, m)
	}
	return marks
}

// Annotate returns a copy of frame with every detection drawn on it.
// The caller owns the returned Mat. frame itself is left untouched, and
// with no detections the copy is pixel-identical to it.
func Annotate(frame gocv.Mat, dets []iface.Detection, table *ClassTable) gocv.Mat {
	out := frame.Clone()
	for _, m := range Layout(dets, table) {
		Draw(&out, m)
	}
	return out
}

// Draw paints one mark in place.
func Draw(img *gocv.Mat, m Mark) {
	gocv.Rectangle(img, m.Detection.Box.Canon(), m.Color, StrokeWidth)
	gocv.Rectangle(img, m.LabelRect, m.Color, -1)
	gocv.PutTextWithParams(img, m.Label, m.TextOrigin, gocv.FontHersheySimplex, FontScale, TextColor, textThickness, gocv.LineAA, false)
}
