package detection

import (
	"errors"
	"fmt"
	"image/color"
)

//ErrUnknownClass is returned for a class index the model produced but the table does not hold.
//It is a configuration error: the weights and the class table disagree.
var ErrUnknownClass = errors.New("class index out of range")

//Class is a single entry of the class table
type Class struct {
	Name string `json:"name"`
	//Color is the display color, stored as BGR like the frames it is drawn on
	Color [3]uint8 `json:"color"`
}

//RGBA returns the class color in the form gocv drawing functions expect
func (c Class) RGBA() color.RGBA {
	return color.RGBA{B: c.Color[0], G: c.Color[1], R: c.Color[2], A: 0}
}

//ClassTable maps class index to class. It never changes after construction.
type ClassTable struct {
	classes []Class
}

//NewClassTable builds a table from names and BGR colors of the same length
func NewClassTable(names []string, colors [][3]uint8) (*ClassTable, error) {
	if len(names) == 0 {
		return nil, errors.New("class table is empty")
	}
	if len(names) != len(colors) {
		return nil, fmt.Errorf("class table has %d names but %d colors", len(names), len(colors))
	}

	seen := make(map[string]bool, len(names))
	classes := make([]Class, len(names))
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("class %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("class name %q is duplicated", name)
		}
		seen[name] = true
		classes[i] = Class{Name: name, Color: colors[i]}
	}

	return &ClassTable{classes: classes}, nil
}

//Lookup returns the class for index, or ErrUnknownClass
func (t *ClassTable) Lookup(index int) (Class, error) {
	if index < 0 || index >= len(t.classes) {
		return Class{}, fmt.Errorf("%w: %d not in [0,%d)", ErrUnknownClass, index, len(t.classes))
	}
	return t.classes[index], nil
}

//Len returns the number of classes
func (t *ClassTable) Len() int {
	return len(t.classes)
}

//Classes returns a copy of the table entries in index order
func (t *ClassTable) Classes() []Class {
	out := make([]Class, len(t.classes))
	copy(out, t.classes)
	return out
}
