// Package locale renders the user-facing replies of the relay from an
// embedded YAML catalog.
package locale

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used for unknown or empty language tags.
const DefaultLanguage = "en"

// Key names one reply in the catalog.
type Key string

const (
	KeyWelcome       Key = "welcome"
	KeyHelp          Key = "help"
	KeyLocation      Key = "location"
	KeyJoin          Key = "join"
	KeyNotRegistered Key = "not_registered"
	KeyGoodbye       Key = "goodbye"
)

// Keys lists every reply the default language must define.
var Keys = []Key{KeyWelcome, KeyHelp, KeyLocation, KeyJoin, KeyNotRegistered, KeyGoodbye}

// Vars are the values a template may reference.
type Vars struct {
	ChatID    int64
	Pseudonym string
	GroupSize int
}

//go:embed messages.yaml
var defaultCatalog []byte

// Catalog holds parsed templates per language.
type Catalog struct {
	langs map[string]map[Key]*template.Template
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// MustDefault is Default that panics on error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a catalog from YAML of the form lang -> key -> template.
// Every template is executed once against zero Vars so reference errors
// surface here rather than at reply time.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}

	c := &Catalog{langs: make(map[string]map[Key]*template.Template, len(raw))}
	for lang, entries := range raw {
		lang = normalize(lang)
		tpls := make(map[Key]*template.Template, len(entries))
		for key, text := range entries {
			t, err := template.New(lang + "." + key).Option("missingkey=error").Parse(text)
			if err != nil {
				return nil, errors.Wrapf(err, "parse %s.%s", lang, key)
			}
			if err := t.Execute(&strings.Builder{}, Vars{}); err != nil {
				return nil, errors.Wrapf(err, "check %s.%s", lang, key)
			}
			tpls[Key(key)] = t
		}
		c.langs[lang] = tpls
	}

	base, ok := c.langs[DefaultLanguage]
	if !ok {
		return nil, errors.Errorf("catalog has no %q section", DefaultLanguage)
	}
	for _, key := range Keys {
		if _, ok := base[key]; !ok {
			return nil, errors.Errorf("catalog misses %s.%s", DefaultLanguage, key)
		}
	}
	return c, nil
}

// Languages returns the catalog's language tags, sorted.
func (c *Catalog) Languages() []string {
	langs := make([]string, 0, len(c.langs))
	for lang := range c.langs {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	return langs
}

// Render returns the reply for key in lang, falling back to the default
// language when lang or the key is missing there.
func (c *Catalog) Render(lang string, key Key, vars Vars) string {
	t, ok := c.langs[normalize(lang)][key]
	if !ok {
		t, ok = c.langs[DefaultLanguage][key]
	}
	if !ok {
		return string(key)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return fmt.Sprintf("%s (%v)", key, err)
	}
	return sb.String()
}

// normalize reduces a tag like "fr-CA" to its primary subtag.
func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}
