// Package replies holds the operator-facing message templates. Defaults
// are embedded; a YAML file can override any subset of them so wording
// changes do not need a rebuild.
package replies

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed replies.yaml
var defaultsYAML []byte

// Set is a keyed template collection. Placeholders use {name} syntax.
type Set struct {
	templates map[string]string
	poPhrases []string
}

// Load returns the embedded defaults merged with the overrides file, when
// path is non-empty and the file exists.
func Load(path string) (*Set, error) {
	s := &Set{}
	if err := s.merge(defaultsYAML); err != nil {
		return nil, fmt.Errorf("embedded reply templates are broken: %w", err)
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reply templates: %w", err)
	}
	if err := s.merge(data); err != nil {
		return nil, fmt.Errorf("failed to parse reply templates: %w", err)
	}
	return s, nil
}

type fileFormat struct {
	Templates map[string]string `yaml:"templates"`
	POPhrases []string          `yaml:"po_phrases"`
}

func (s *Set) merge(data []byte) error {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	if s.templates == nil {
		s.templates = make(map[string]string)
	}
	for k, v := range f.Templates {
		s.templates[k] = v
	}
	if len(f.POPhrases) > 0 {
		s.poPhrases = f.POPhrases
	}
	return nil
}

// Render returns the template for key with {placeholder} substitution.
// Unknown keys render as a visible marker so broken wiring is caught in
// review rather than silently dropped.
func (s *Set) Render(key string, args map[string]string) string {
	tpl, ok := s.templates[key]
	if !ok {
		return fmt.Sprintf("<missing reply template %q>", key)
	}
	if len(args) == 0 {
		return tpl
	}
	// Longest placeholder first so {count_total} is not clobbered by {count}.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		tpl = strings.ReplaceAll(tpl, "{"+k+"}", args[k])
	}
	return tpl
}

// Has reports whether the key exists.
func (s *Set) Has(key string) bool {
	_, ok := s.templates[key]
	return ok
}

// POPhrases returns the pre-order prefix phrases, 1-based menu order.
func (s *Set) POPhrases() []string {
	return s.poPhrases
}
