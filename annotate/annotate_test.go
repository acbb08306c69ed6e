package annotate

import (
	"image"
	"testing"

	iface "SawitDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func fixedTextSize(t *testing.T, size image.Point) {
	prev := measureText
	measureText = func(string) image.Point { return size }
	t.Cleanup(func() { measureText = prev })
}

func patternMat(t *testing.T, rows, cols int) gocv.Mat {
	data := make([]byte, rows*cols*3)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	return m
}

func bgr(c ClassInfo) gocv.Vecb {
	return gocv.Vecb{c.Color.B, c.Color.G, c.Color.R}
}

func TestLabel(t *testing.T) {
	det := iface.Detection{Box: image.Rect(0, 0, 5, 5), Confidence: 0.837, Class: 1}
	assert.Equal(t, "matang (83.7%)", Label(det, Ripeness))

	det = iface.Detection{Confidence: 1, Class: 3}
	assert.Equal(t, "terlalu matang (100.0%)", Label(det, Ripeness))

	det = iface.Detection{Confidence: 0.5, Class: 9}
	assert.Equal(t, "class 9 (50.0%)", Label(det, Ripeness))
}

func TestClassTable(t *testing.T) {
	assert.Equal(t, 4, Ripeness.Len())
	assert.Equal(t, []string{"kurang matang", "matang", "mentah", "terlalu matang"}, Ripeness.Names())
	assert.Equal(t, DefaultColor, Ripeness.Color(4))
	assert.Equal(t, DefaultColor, Ripeness.Color(-1))
	_, ok := Ripeness.Lookup(7)
	assert.False(t, ok)

	var empty *ClassTable
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, DefaultColor, empty.Color(0))
}

func TestLayout(t *testing.T) {
	fixedTextSize(t, image.Pt(80, 12))

	t.Run("label above box", func(t *testing.T) {
		marks := Layout([]iface.Detection{{Box: image.Rect(20, 50, 120, 150), Confidence: 0.9, Class: 2}}, Ripeness)
		require.Len(t, marks, 1)
		m := marks[0]
		assert.False(t, m.Below)
		assert.Equal(t, image.Rect(20, 28, 106, 50), m.LabelRect)
		assert.Equal(t, image.Pt(23, 45), m.TextOrigin)
		assert.Equal(t, Ripeness.Color(2), m.Color)
		assert.Equal(t, "mentah (90.0%)", m.Label)
	})

	t.Run("label below box when no room above", func(t *testing.T) {
		marks := Layout([]iface.Detection{{Box: image.Rect(20, 21, 120, 150), Confidence: 0.9, Class: 0}}, Ripeness)
		require.Len(t, marks, 1)
		m := marks[0]
		assert.True(t, m.Below)
		assert.Equal(t, image.Rect(20, 150, 106, 172), m.LabelRect)
		assert.Equal(t, image.Pt(23, 167), m.TextOrigin)
	})

	t.Run("exactly at the edge stays above", func(t *testing.T) {
		marks := Layout([]iface.Detection{{Box: image.Rect(0, 22, 10, 40), Confidence: 0.9, Class: 0}}, Ripeness)
		require.Len(t, marks, 1)
		assert.False(t, marks[0].Below)
	})

	t.Run("one mark per detection in input order", func(t *testing.T) {
		dets := []iface.Detection{
			{Box: image.Rect(10, 60, 30, 80), Confidence: 0.4, Class: 3},
			{Box: image.Rect(40, 60, 70, 90), Confidence: 0.6, Class: 1},
			{Box: image.Rect(80, 60, 90, 90), Confidence: 0.7, Class: 12},
		}
		marks := Layout(dets, Ripeness)
		require.Len(t, marks, 3)
		for i, m := range marks {
			assert.Equal(t, dets[i], m.Detection)
		}
		assert.Equal(t, Ripeness.Color(3), marks[0].Color)
		assert.Equal(t, Ripeness.Color(1), marks[1].Color)
		assert.Equal(t, DefaultColor, marks[2].Color)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, Layout(nil, Ripeness))
	})
}

func TestAnnotateEmptyIsIdentical(t *testing.T) {
	in := patternMat(t, 64, 48)
	defer in.Close()

	out := Annotate(in, nil, Ripeness)
	defer out.Close()

	assert.Equal(t, in.Rows(), out.Rows())
	assert.Equal(t, in.Cols(), out.Cols())
	assert.Equal(t, in.ToBytes(), out.ToBytes())
}

func TestAnnotateDrawsInClassColor(t *testing.T) {
	in := blackMat(200, 200)
	defer in.Close()
	before := in.ToBytes()

	dets := []iface.Detection{
		{Box: image.Rect(50, 80, 150, 180), Confidence: 0.837, Class: 1},
	}
	out := Annotate(in, dets, Ripeness)
	defer out.Close()

	matang, _ := Ripeness.Lookup(1)
	// left edge of the box
	assert.Equal(t, bgr(matang), out.GetVecbAt(130, 50))
	// label background just above the top edge, left of the text
	assert.Equal(t, bgr(matang), out.GetVecbAt(78, 51))
	// box interior untouched
	assert.Equal(t, gocv.Vecb{0, 0, 0}, out.GetVecbAt(130, 100))
	// input not mutated
	assert.Equal(t, before, in.ToBytes())
}

func TestAnnotateLabelBelowNearTopEdge(t *testing.T) {
	in := blackMat(200, 200)
	defer in.Close()

	dets := []iface.Detection{
		{Box: image.Rect(40, 2, 140, 100), Confidence: 0.5, Class: 2},
	}
	out := Annotate(in, dets, Ripeness)
	defer out.Close()

	mentah, _ := Ripeness.Lookup(2)
	assert.Equal(t, bgr(mentah), out.GetVecbAt(103, 41))
}

func TestAnnotateUnknownClassUsesDefaultColor(t *testing.T) {
	in := blackMat(120, 120)
	defer in.Close()

	out := Annotate(in, []iface.Detection{{Box: image.Rect(30, 60, 90, 110), Confidence: 0.9, Class: 7}}, Ripeness)
	defer out.Close()

	assert.Equal(t, gocv.Vecb{255, 255, 255}, out.GetVecbAt(85, 30))
}

func blackMat(rows, cols int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)
}
