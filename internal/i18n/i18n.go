// Package i18n translates the doorpi command line messages.
//
// Messages are loaded from the yaml files embedded from the locales directory, one
// file per language. Unknown message ids translate to themselves.
package i18n

import (
	"embed"
	"io/fs"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// supported languages, the first one is the fallback.
var supported = []language.Tag{language.English, language.Dutch}

var loadBundle = sync.OnceValues(func() (*i18n.Bundle, error) {
	bundle := i18n.NewBundle(supported[0])
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, err := fs.ReadDir(localeFS, "locales")
	if nil != err {
		return nil, err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if nil != err {
			return nil, err
		}
		_, err = bundle.ParseMessageFileBytes(data, f.Name())
		if nil != err {
			return nil, err
		}
	}

	return bundle, nil
})

// Languages returns the supported language codes.
func Languages() []string {
	rv := make([]string, 0, len(supported))
	for _, tag := range supported {
		rv = append(rv, tag.String())
	}
	return rv
}

// Match returns the supported language code closest to lang, english if none matches.
func Match(lang string) string {
	tag, err := language.Parse(lang)
	if nil != err {
		return supported[0].String()
	}
	_, idx, confidence := language.NewMatcher(supported).Match(tag)
	if language.No == confidence {
		return supported[0].String()
	}
	return supported[idx].String()
}

// Translator translates messages in one language.
type Translator struct {
	lang      string
	localizer *i18n.Localizer
}

// New returns a Translator for the supported language closest to lang.
func New(lang string) *Translator {
	rv := &Translator{lang: Match(lang)}
	bundle, err := loadBundle()
	if nil == err {
		rv.localizer = i18n.NewLocalizer(bundle, rv.lang)
	}
	return rv
}

// Lang returns the Translator language code.
func (self *Translator) Lang() string {
	return self.lang
}

// T translates the id message, replacing its template fields with data.
// It returns id if the message is unknown.
func (self *Translator) T(id string, data ...map[string]any) string {
	if nil == self || nil == self.localizer {
		return id
	}

	cfg := &i18n.LocalizeConfig{MessageID: id}
	if len(data) > 0 {
		cfg.TemplateData = data[0]
	}
	msg, err := self.localizer.Localize(cfg)
	if nil != err {
		return id
	}
	return msg
}
