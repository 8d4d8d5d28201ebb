package composition

import (
	"strings"
)

// Template is a named subtitle style offered by the remote backend.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubtitleOptions request subtitle burn-in on the remote backend.
type SubtitleOptions struct {
	Enabled    bool   `json:"enabled"`
	TemplateID string `json:"template_id,omitempty"`
}

// CleanTemplates drops entries without an id and fills a missing name with
// the id.
func CleanTemplates(in []Template) []Template {
	out := make([]Template, 0, len(in))
	for _, t := range in {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			continue
		}
		if strings.TrimSpace(t.Name) == "" {
			t.Name = t.ID
		}
		out = append(out, t)
	}
	return out
}

func hasTemplate(templates []Template, id string) bool {
	for _, t := range templates {
		if t.ID == id {
			return true
		}
	}
	return false
}
