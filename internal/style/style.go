/**
 * Explanation styles
 *
 * An operation kind names a prompt template. The template's {text}
 * placeholder receives the region text before it is sent to the LLM.
 */

package style

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind identifies an operation (explain, translate, summarize, ...)
type Kind string

// Built-in kinds
const (
	KindExplain         Kind = "explain"
	KindExplainAcademic Kind = "explain-academic"
	KindExplainSimple   Kind = "explain-simple"
	KindExplainDeep     Kind = "explain-deep"
	KindTranslate       Kind = "translate"
	KindSummarize       Kind = "summarize"
)

// Placeholder is replaced by the region text when rendering
const Placeholder = "{text}"

// Style is a named prompt template
type Style struct {
	Kind        Kind
	Name        string
	Description string
	Template    string
	IsDefault   bool
}

// Builtins returns the styles a new registry starts with
func Builtins() []Style {
	return []Style{
		{
			Kind:        KindExplain,
			Name:        "Plain explanation",
			Description: "Explain the passage in plain language",
			Template:    "Explain the following passage in plain, easy to follow language:\n\n{text}",
			IsDefault:   true,
		},
		{
			Kind:        KindExplainAcademic,
			Name:        "Academic explanation",
			Description: "Explain with precise terminology and references to the field",
			Template:    "Give an academic explanation of the following passage, using precise terminology:\n\n{text}",
		},
		{
			Kind:        KindExplainSimple,
			Name:        "Simple explanation",
			Description: "Explain as if to a child",
			Template:    "Explain the following passage so that a ten year old could understand it:\n\n{text}",
		},
		{
			Kind:        KindExplainDeep,
			Name:        "In-depth analysis",
			Description: "Background, meaning and applications",
			Template:    "Analyse the following passage in depth. Cover its background, its meaning and its practical applications:\n\n{text}",
		},
		{
			Kind:        KindTranslate,
			Name:        "Translation",
			Description: "Translate into the reader's language",
			Template:    "Translate the following passage. Keep the meaning and tone:\n\n{text}",
		},
		{
			Kind:        KindSummarize,
			Name:        "Summary",
			Description: "Condense the passage to its key points",
			Template:    "Summarize the key points of the following passage:\n\n{text}",
		},
	}
}

// Registry holds the styles of a session. Exactly one style is the default.
type Registry struct {
	mu     sync.RWMutex
	styles map[Kind]Style
	def    Kind
}

// NewRegistry creates a registry seeded with the built-in styles
func NewRegistry() *Registry {
	r := &Registry{styles: make(map[Kind]Style)}
	for _, s := range Builtins() {
		r.styles[s.Kind] = s
		if s.IsDefault {
			r.def = s.Kind
		}
	}
	return r
}

// Get returns the style for kind
func (r *Registry) Get(kind Kind) (Style, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.styles[kind]
	return s, ok
}

// Default returns the current default style
func (r *Registry) Default() Style {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.styles[r.def]
}

// List returns all styles, default first, then by name
func (r *Registry) List() []Style {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Style, 0, len(r.styles))
	for _, s := range r.styles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Add registers a new style
func (r *Registry) Add(s Style) error {
	if err := validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.styles[s.Kind]; exists {
		return fmt.Errorf("style %q already exists", s.Kind)
	}
	s.IsDefault = false
	r.styles[s.Kind] = s
	return nil
}

// Update replaces the name, description and template of an existing style
func (r *Registry) Update(s Style) error {
	if err := validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.styles[s.Kind]
	if !exists {
		return fmt.Errorf("style %q not found", s.Kind)
	}
	s.IsDefault = old.IsDefault
	r.styles[s.Kind] = s
	return nil
}

// Delete removes a style. The default style cannot be deleted.
func (r *Registry) Delete(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.styles[kind]; !exists {
		return fmt.Errorf("style %q not found", kind)
	}
	if kind == r.def {
		return fmt.Errorf("style %q is the default and cannot be deleted", kind)
	}
	delete(r.styles, kind)
	return nil
}

// SetDefault makes kind the only default style
func (r *Registry) SetDefault(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, exists := r.styles[kind]
	if !exists {
		return fmt.Errorf("style %q not found", kind)
	}
	if prev, ok := r.styles[r.def]; ok {
		prev.IsDefault = false
		r.styles[r.def] = prev
	}
	next.IsDefault = true
	r.styles[kind] = next
	r.def = kind
	return nil
}

// Resolve maps an empty kind to the default and checks that kind exists
func (r *Registry) Resolve(kind Kind) (Kind, error) {
	if kind == "" {
		return r.Default().Kind, nil
	}
	if _, ok := r.Get(kind); !ok {
		return "", fmt.Errorf("unknown operation kind %q", kind)
	}
	return kind, nil
}

// Render substitutes text into the template of kind
func (r *Registry) Render(kind Kind, text string) (string, error) {
	k, err := r.Resolve(kind)
	if err != nil {
		return "", err
	}
	s, _ := r.Get(k)
	return strings.ReplaceAll(s.Template, Placeholder, text), nil
}

func validate(s Style) error {
	if strings.TrimSpace(string(s.Kind)) == "" {
		return fmt.Errorf("style kind is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("style %q: name is required", s.Kind)
	}
	if !strings.Contains(s.Template, Placeholder) {
		return fmt.Errorf("style %q: template must contain %s", s.Kind, Placeholder)
	}
	return nil
}
