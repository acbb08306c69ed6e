package annotate

import (
	"fmt"
	"image/color"
)

type ClassInfo struct {
	Name  string     `json:"name"`
	Color color.RGBA `json:"color"`
}

// ClassTable maps a model class index to its label and display colour.
type ClassTable struct {
	classes []ClassInfo
}

// DefaultColor is used for class indices missing from the table.
var DefaultColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Ripeness is the oil palm fresh fruit bunch table, in model output order.
var Ripeness = NewClassTable(
	ClassInfo{Name: "kurang matang", Color: color.RGBA{R: 255, G: 214, B: 102, A: 255}},
	ClassInfo{Name: "matang", Color: color.RGBA{R: 239, G: 118, B: 111, A: 255}},
	ClassInfo{Name: "mentah", Color: color.RGBA{R: 128, G: 0, B: 128, A: 255}},
	ClassInfo{Name: "terlalu matang", Color: color.RGBA{R: 17, G: 138, B: 178, A: 255}},
)

func NewClassTable(classes ...ClassInfo) *ClassTable {
	return &ClassTable{classes: append([]ClassInfo(nil), classes...)}
}

func (t *ClassTable) Lookup(idx int) (ClassInfo, bool) {
	if t == nil || idx < 0 || idx >= len(t.classes) {
		return ClassInfo{}, false
	}
	return t.classes[idx], true
}

// Name returns the label of idx, or "class <idx>" when unmapped.
func (t *ClassTable) Name(idx int) string {
	if c, ok := t.Lookup(idx); ok {
		return c.Name
	}
	return fmt.Sprintf("class %d", idx)
}

func (t *ClassTable) Color(idx int) color.RGBA {
	if c, ok := t.Lookup(idx); ok {
		return c.Color
	}
	return DefaultColor
}

func (t *ClassTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.classes)
}

// Names returns a copy of the labels in index order.
func (t *ClassTable) Names() []string {
	names := make([]string, t.Len())
	for i := range names {
		names[i] = t.classes[i].Name
	}
	return names
}

// Classes returns a copy of the table entries in index order.
func (t *ClassTable) Classes() []ClassInfo {
	if t == nil {
		return nil
	}
	return append([]ClassInfo(nil), t.classes...)
}
