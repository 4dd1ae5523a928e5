package main

import (
	"sort"
	"strings"
)

// ControlDoc describes a single rider control and its default key binding.
type ControlDoc struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Field       string `json:"field"`
	Shortcut    string `json:"shortcut,omitempty"`
}

// defaultControlDocs lists the flags carried by an input frame.
var defaultControlDocs = []ControlDoc{
	{
		ID:          "accelerate",
		Label:       "Accelerate",
		Description: "Pedal forward. Wins over brake when both are held.",
		Field:       "accelerate",
		Shortcut:    "Arrow Right / D",
	},
	{
		ID:          "brake",
		Label:       "Brake",
		Description: "Slow the bike down; speed never drops below standstill.",
		Field:       "brake",
		Shortcut:    "Arrow Left / A",
	},
	{
		ID:          "tilt-back",
		Label:       "Lean Back",
		Description: "Rotate the bike counter-clockwise to lift the front wheel. Wins over lean forward.",
		Field:       "tilt_back",
		Shortcut:    "Arrow Up / W",
	},
	{
		ID:          "tilt-forward",
		Label:       "Lean Forward",
		Description: "Rotate the bike clockwise to push the front wheel down.",
		Field:       "tilt_forward",
		Shortcut:    "Arrow Down / S",
	},
}

// controlReference returns the control docs ordered by label.
func controlReference() []ControlDoc {
	docs := append([]ControlDoc(nil), defaultControlDocs...)
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Label == docs[j].Label {
			return strings.Compare(docs[i].ID, docs[j].ID) < 0
		}
		return strings.Compare(docs[i].Label, docs[j].Label) < 0
	})
	return docs
}
