// Package signs maps letters to fingerspelling images and plays text back as
// a timed sequence of signs.
package signs

import (
	"context"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/signstream/internal/config"
)

// Step is one displayed sign during playback. Characters without an image
// produce a blank step so the rhythm of the text is kept.
type Step struct {
	Index int    `json:"index"`
	Char  string `json:"char"`
	Image string `json:"image,omitempty"`
	Blank bool   `json:"blank"`
}

type Library struct {
	imagesDir string
	interval  time.Duration
}

func New(cfg config.SignsConfig) *Library {
	return &Library{
		imagesDir: cfg.ImagesDir,
		interval:  time.Duration(cfg.PlaybackIntervalMS) * time.Millisecond,
	}
}

func (l *Library) Interval() time.Duration { return l.interval }

// ImagePath returns the image for a letter A-Z, case-insensitive.
func (l *Library) ImagePath(r rune) (string, bool) {
	if r > unicode.MaxASCII || !unicode.IsLetter(r) {
		return "", false
	}
	return path.Join(l.imagesDir, string(unicode.ToLower(r))+".png"), true
}

// Steps converts text into playback steps, one per character of the
// upper-cased text.
func (l *Library) Steps(text string) []Step {
	upper := []rune(strings.ToUpper(text))
	steps := make([]Step, 0, len(upper))
	for i, r := range upper {
		step := Step{Index: i, Char: string(r)}
		if img, ok := l.ImagePath(r); ok {
			step.Image = img
		} else {
			step.Blank = true
		}
		steps = append(steps, step)
	}
	return steps
}

// Playback calls fn for each step, waiting interval between steps. It
// returns ctx.Err() if cancelled before the last step.
func (l *Library) Playback(ctx context.Context, text string, interval time.Duration, fn func(Step)) error {
	if interval <= 0 {
		interval = l.interval
	}
	steps := l.Steps(text)
	if len(steps) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i, step := range steps {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		fn(step)
	}
	return nil
}

// Alphabet returns the reference grid of every letter and its image.
func (l *Library) Alphabet() []Step {
	steps := make([]Step, 0, 26)
	for r := 'A'; r <= 'Z'; r++ {
		img, _ := l.ImagePath(r)
		steps = append(steps, Step{Index: int(r - 'A'), Char: string(r), Image: img})
	}
	return steps
}
