package subtitle

import (
	"time"

	"golang.org/x/text/language"
)

// Cue is a single subtitle entry.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// File is a parsed subtitle track.
type File struct {
	Cues     []Cue
	Language language.Tag
	Format   string // SRT
	Path     string
}

// LanguageCode returns the ISO 639-1 code of the detected language, or "" if unknown.
func (f *File) LanguageCode() string {
	if f == nil || f.Language == language.Und {
		return ""
	}
	base, conf := f.Language.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}
