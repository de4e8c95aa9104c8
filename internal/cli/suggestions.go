package cli

import (
	"fmt"
	"strings"

	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/model"
)

// suggestCollections provides a hint when a collection name is unknown.
func suggestCollections(name string) string {
	lower := strings.ToLower(name)
	var matches []string
	for _, c := range model.RecordCollections {
		if lower != "" && strings.HasPrefix(string(c), lower) {
			matches = append(matches, color.Collection(string(c)))
		}
	}
	// No prefix matches, try substring
	if len(matches) == 0 && lower != "" {
		for _, c := range model.RecordCollections {
			if strings.Contains(string(c), lower) || strings.Contains(lower, strings.TrimSuffix(string(c), "s")) {
				matches = append(matches, color.Collection(string(c)))
			}
		}
	}
	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}

	names := make([]string, len(model.RecordCollections))
	for i, c := range model.RecordCollections {
		names[i] = string(c)
	}
	return fmt.Sprintf("Available collections: %s.", strings.Join(names, ", "))
}
