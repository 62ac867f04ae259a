package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// SRT time format: 00:02:16,612 --> 00:02:19,376. yt-dlp sometimes writes '.' for the separator.
var srtTimeRe = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})`)

// Read parses an SRT file from disk.
func Read(path string) (*File, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".srt") {
		return nil, fmt.Errorf("only SRT format subtitle files are supported: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("subtitle file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to open subtitle file: %w", err)
	}
	defer f.Close()

	return parse(f, path)
}

func parse(r io.Reader, path string) (*File, error) {
	var cues []Cue
	scanner := bufio.NewScanner(r)

	current := Cue{}
	state := "index" // possible values: "index", "time", "text"
	var textLines []string

	flush := func() {
		if len(textLines) > 0 {
			current.Text = strings.Join(textLines, "\n")
			cues = append(cues, current)
		}
		current = Cue{}
		textLines = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))

		switch state {
		case "index":
			if line == "" {
				continue
			}
			index, err := strconv.Atoi(line)
			if err != nil {
				continue // skip non-index lines
			}
			current.Index = index
			state = "time"

		case "time":
			if line == "" {
				continue
			}
			start, end, err := parseSRTTime(line)
			if err != nil {
				return nil, fmt.Errorf("failed to parse time: %w", err)
			}
			current.Start = start
			current.End = end
			state = "text"

		case "text":
			if line == "" {
				flush()
				state = "index"
				continue
			}
			textLines = append(textLines, line)
		}
	}

	if state == "text" {
		flush()
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtitle file: %w", err)
	}

	return &File{
		Cues:     cues,
		Language: detectLanguage(cues),
		Format:   "SRT",
		Path:     path,
	}, nil
}

func parseSRTTime(s string) (time.Duration, time.Duration, error) {
	m := srtTimeRe.FindStringSubmatch(s)
	if len(m) != 9 {
		return 0, 0, fmt.Errorf("invalid time format: %s", s)
	}

	toDuration := func(hours, minutes, seconds, millis string) time.Duration {
		h, _ := strconv.Atoi(hours)
		mi, _ := strconv.Atoi(minutes)
		sec, _ := strconv.Atoi(seconds)
		ms, _ := strconv.Atoi(millis)
		return time.Duration(h)*time.Hour +
			time.Duration(mi)*time.Minute +
			time.Duration(sec)*time.Second +
			time.Duration(ms)*time.Millisecond
	}

	return toDuration(m[1], m[2], m[3], m[4]), toDuration(m[5], m[6], m[7], m[8]), nil
}

// detectLanguage votes per cue and returns the most common language.
func detectLanguage(cues []Cue) language.Tag {
	if len(cues) == 0 {
		return language.Und
	}

	votes := make(map[string]int)
	for _, cue := range cues {
		info := whatlanggo.Detect(cue.Text)
		if !info.IsReliable() {
			continue
		}
		votes[info.Lang.Iso6391()]++
	}

	var top string
	var topCount int
	for lang, count := range votes {
		if count > topCount || (count == topCount && lang < top) {
			top = lang
			topCount = count
		}
	}
	if top == "" {
		return language.Und
	}

	tag, err := language.Parse(top)
	if err != nil {
		return language.Und
	}
	return tag
}
