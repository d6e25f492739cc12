package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

var (
	durationRegex  = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timeRegex      = regexp.MustCompile(`(?:^|\s)time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	outTimeRegex   = regexp.MustCompile(`^out_time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	outTimeUsRegex = regexp.MustCompile(`^out_time_(?:us|ms)=\s*(\d+)`)
	speedRegex     = regexp.MustCompile(`speed=\s*(\d+(?:\.\d+)?)x`)
)

// TranscodeParser tracks converter progress across lines. The first
// Duration line fixes the total; later ones are ignored.
// A TranscodeParser is not safe for concurrent use.
type TranscodeParser struct {
	duration float64 // seconds, 0 = unknown
}

// NewTranscodeParser creates a parser with unknown duration.
func NewTranscodeParser() *TranscodeParser {
	return &TranscodeParser{}
}

// SetDuration seeds the total duration, e.g. from metadata.
// It is ignored once a duration is known.
func (p *TranscodeParser) SetDuration(seconds float64) {
	if p.duration == 0 && seconds > 0 {
		p.duration = seconds
	}
}

// Duration returns the known total duration in seconds.
func (p *TranscodeParser) Duration() float64 {
	return p.duration
}

// Parse merges one converter output line into snap.
func (p *TranscodeParser) Parse(line string, snap *domain.ProgressSnapshot) bool {
	if snap == nil {
		return false
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if m := durationRegex.FindStringSubmatch(line); m != nil {
		if p.duration == 0 {
			p.duration = clockSeconds(m[1], m[2], m[3])
		}
		return true
	}

	if line == "progress=end" {
		snap.Stage = domain.StageTranscode
		snap.Indeterminate = false
		snap.Percentage = 100
		return true
	}

	var pos float64
	var found bool
	if m := outTimeUsRegex.FindStringSubmatch(line); m != nil {
		us, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			pos, found = float64(us)/1e6, true
		}
	} else if m := outTimeRegex.FindStringSubmatch(line); m != nil {
		pos, found = clockSeconds(m[1], m[2], m[3]), true
	} else if m := timeRegex.FindStringSubmatch(line); m != nil {
		pos, found = clockSeconds(m[1], m[2], m[3]), true
	}

	if m := speedRegex.FindStringSubmatch(line); m != nil {
		snap.Stage = domain.StageTranscode
		snap.Speed = m[1] + "x"
		if !found {
			return true
		}
	}

	if !found {
		return false
	}

	snap.Stage = domain.StageTranscode
	if p.duration <= 0 {
		snap.Indeterminate = true
		return true
	}
	snap.Indeterminate = false
	snap.Percentage = domain.ClampPercent(pos / p.duration * 100)
	return true
}

func clockSeconds(h, m, s string) float64 {
	hh, _ := strconv.ParseFloat(h, 64)
	mm, _ := strconv.ParseFloat(m, 64)
	ss, _ := strconv.ParseFloat(s, 64)
	return hh*3600 + mm*60 + ss
}
