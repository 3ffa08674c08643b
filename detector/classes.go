package detector

import "strings"

// ClassMeta describes one output class. ID is 1-based and is the value written
// to the PLC result word.
type ClassMeta struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// FallbackNames are used when no class names are configured.
var FallbackNames = []string{
	"lesion", "good", "muddy", "forked", "bruise", "rotten", "rust", "sprout",
}

// FallbackColors are assigned to classes in order, wrapping around.
var FallbackColors = []string{
	"#ffca2f", "#ff6b7f", "#ff3b53", "#43f2ff",
	"#9ad8ff", "#3bd698", "#ff9f3f", "#e05bff",
}

// nameTranslations maps raw model label keys onto display names.
var nameTranslations = map[string]string{
	"bingban":  "lesion",
	"chengpin": "good",
	"daini":    "muddy",
	"fencha":   "forked",
	"keba":     "bruise",
	"lantou":   "rotten",
	"xiu":      "rust",
	"yabao":    "sprout",
}

// Classes is an ordered class table.
type Classes []ClassMeta

// NewClasses builds the class table from names, or FallbackNames when empty.
func NewClasses(names []string) Classes {
	if len(names) == 0 {
		names = FallbackNames
	}
	out := make(Classes, 0, len(names))
	for i, name := range names {
		out = append(out, ClassMeta{
			ID:    i + 1,
			Name:  TranslateName(name),
			Color: FallbackColors[i%len(FallbackColors)],
		})
	}
	return out
}

// TranslateName maps a raw model label to its display name.
func TranslateName(raw string) string {
	if n, ok := nameTranslations[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return n
	}
	return raw
}

// Name returns the display name of class id, or def when id is unknown.
func (c Classes) Name(id int, def string) string {
	if id >= 1 && id <= len(c) {
		return c[id-1].Name
	}
	return def
}
