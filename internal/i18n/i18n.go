// Package i18n loads the message catalogs used to render quiz views and replies.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var embedded embed.FS

var (
	defaultOnce   sync.Once
	defaultBundle *Bundle
	defaultErr    error
)

// Bundle holds one flat key→format catalog per language.
type Bundle struct {
	fallback language.Tag
	tags     []language.Tag
	catalogs map[language.Tag]map[string]string
	matcher  language.Matcher
}

// Default returns the bundle built from the embedded catalogs, falling back to English.
func Default() (*Bundle, error) {
	defaultOnce.Do(func() {
		defaultBundle, defaultErr = Load(embedded, "en")
	})
	return defaultBundle, defaultErr
}

// Load reads every <lang>.yaml file under fsys. The fallback language must be present.
func Load(fsys fs.FS, fallback string) (*Bundle, error) {
	fb, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("parse fallback language %q: %w", fallback, err)
	}

	b := &Bundle{
		fallback: fb,
		catalogs: make(map[language.Tag]map[string]string),
	}

	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := path.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		return b.loadCatalog(fsys, p, strings.TrimSuffix(path.Base(p), ext))
	})
	if err != nil {
		return nil, fmt.Errorf("loading catalogs: %w", err)
	}

	if _, ok := b.catalogs[fb]; !ok {
		return nil, fmt.Errorf("fallback catalog %q not found", fallback)
	}

	// The matcher prefers its first tag when nothing matches.
	b.tags = append(b.tags, fb)
	others := make([]language.Tag, 0, len(b.catalogs)-1)
	for tag := range b.catalogs {
		if tag != fb {
			others = append(others, tag)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].String() < others[j].String() })
	b.tags = append(b.tags, others...)
	b.matcher = language.NewMatcher(b.tags)

	slog.Debug("message catalogs loaded", "languages", len(b.tags))
	return b, nil
}

func (b *Bundle) loadCatalog(fsys fs.FS, p, name string) error {
	tag, err := language.Parse(name)
	if err != nil {
		slog.Warn("skipping catalog with invalid language name", "path", p, "error", err)
		return nil
	}

	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return err
	}

	var messages map[string]string
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("parse catalog %s: %w", p, err)
	}
	b.catalogs[tag] = messages
	return nil
}

// Languages returns the supported languages, fallback first.
func (b *Bundle) Languages() []language.Tag {
	return append([]language.Tag(nil), b.tags...)
}

// Localizer resolves a client-supplied language code ("ms", "en-GB", "ms-MY,en;q=0.8") to the
// closest supported catalog.
func (b *Bundle) Localizer(lang string) *Localizer {
	tag := b.fallback
	if lang != "" {
		if wanted, _, err := language.ParseAcceptLanguage(lang); err == nil && len(wanted) > 0 {
			_, idx, _ := b.matcher.Match(wanted...)
			tag = b.tags[idx]
		}
	}
	return &Localizer{
		bundle:  b,
		tag:     tag,
		printer: message.NewPrinter(tag),
	}
}

// Localizer formats messages for one language.
type Localizer struct {
	bundle  *Bundle
	tag     language.Tag
	printer *message.Printer
}

// Language returns the resolved language.
func (l *Localizer) Language() language.Tag {
	return l.tag
}

// T formats the message for key. Missing keys fall back to the default language and then to the key itself.
func (l *Localizer) T(key string, args ...any) string {
	format, ok := l.bundle.catalogs[l.tag][key]
	if !ok {
		format, ok = l.bundle.catalogs[l.bundle.fallback][key]
	}
	if !ok {
		return key
	}
	if len(args) == 0 {
		return format
	}
	return l.printer.Sprintf(format, args...)
}
