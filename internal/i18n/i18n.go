// Package i18n translates the bot's user-facing replies.
//
// Catalogs live in locales/<lang>.yaml as nested maps and are addressed by
// dotted keys such as "help.notFound". Lookups fall back to English, then to
// the key itself. Placeholders are written {name}.
package i18n

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used for unknown languages and missing keys.
const DefaultLanguage = "en"

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	loadOnce sync.Once
	catalogs map[string]map[string]string
	loadErr  error
)

func load() {
	catalogs = make(map[string]map[string]string)
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		loadErr = fmt.Errorf("failed to read locales: %w", err)
		return
	}
	for _, e := range entries {
		data, err := localeFS.ReadFile(path.Join("locales", e.Name()))
		if err != nil {
			loadErr = fmt.Errorf("failed to read locale %s: %w", e.Name(), err)
			return
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			loadErr = fmt.Errorf("failed to parse locale %s: %w", e.Name(), err)
			return
		}
		flat := make(map[string]string)
		flatten("", tree, flat)
		catalogs[strings.TrimSuffix(e.Name(), ".yaml")] = flat
	}
}

func flatten(prefix string, tree map[string]interface{}, out map[string]string) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case string:
			out[key] = val
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func catalog() map[string]map[string]string {
	loadOnce.Do(load)
	if loadErr != nil {
		panic(loadErr)
	}
	return catalogs
}

// Languages returns the available language codes, sorted.
func Languages() []string {
	langs := make([]string, 0, len(catalog()))
	for lang := range catalog() {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// IsValidLanguage reports whether lang has a catalog.
func IsValidLanguage(lang string) bool {
	_, ok := catalog()[lang]
	return ok
}

// Translator resolves keys for one language.
type Translator struct {
	lang     string
	defaults map[string]string
}

// New returns a translator for lang, falling back to DefaultLanguage.
func New(lang string) *Translator {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if !IsValidLanguage(lang) {
		lang = DefaultLanguage
	}
	return &Translator{lang: lang}
}

// Language returns the language the translator resolved to.
func (t *Translator) Language() string {
	return t.lang
}

// With returns a copy of t that fills {name} with value whenever a lookup
// leaves it unreplaced.
func (t *Translator) With(name, value string) *Translator {
	defaults := make(map[string]string, len(t.defaults)+1)
	for k, v := range t.defaults {
		defaults[k] = v
	}
	defaults[name] = value
	return &Translator{lang: t.lang, defaults: defaults}
}

// T looks up key and substitutes {placeholder} replacements.
func (t *Translator) T(key string, replacements map[string]string) string {
	cats := catalog()
	text, ok := cats[t.lang][key]
	if !ok {
		text, ok = cats[DefaultLanguage][key]
	}
	if !ok {
		return key
	}
	for name, value := range replacements {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	for name, value := range t.defaults {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}

// Has reports whether key resolves in either the translator's language or
// the default one.
func (t *Translator) Has(key string) bool {
	cats := catalog()
	if _, ok := cats[t.lang][key]; ok {
		return true
	}
	_, ok := cats[DefaultLanguage][key]
	return ok
}
