// Package progress parses the text output of the media fetcher and converter.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// Fetcher output patterns
var (
	downloadRegex = regexp.MustCompile(
		`\[download\]\s+(\d+(?:\.\d+)?)%` +
			`(?:\s+of\s+~?\s*(\d+(?:\.\d+)?)\s*([KMGT]?i?B))?` +
			`(?:\s+at\s+(\d+(?:\.\d+)?)\s*([KMGT]?i?B)/s)?` +
			`(?:\s+ETA\s+((?:\d+:)?\d{1,2}:\d{2}))?`)
	destinationRegex       = regexp.MustCompile(`\[(?:download|ExtractAudio)\]\s+Destination:\s+(.+)$`)
	alreadyDownloadedRegex = regexp.MustCompile(`\[download\]\s+(.+) has already been downloaded`)
	mergerRegex            = regexp.MustCompile(`\[Merger\]\s+Merging formats into "(.+)"`)
	moveFilesRegex         = regexp.MustCompile(`\[MoveFiles\]\s+Moving file "[^"]+" to "(.+)"`)
)

// ParseFetchLine merges one fetcher output line into snap.
// It returns false, leaving snap unchanged, when the line carries no progress data.
func ParseFetchLine(line string, snap *domain.ProgressSnapshot) bool {
	if snap == nil {
		return false
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if m := downloadRegex.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return false
		}
		snap.Stage = domain.StageFetch
		snap.Indeterminate = false
		snap.Percentage = domain.ClampPercent(pct)
		if m[2] != "" {
			size := m[2] + " " + m[3]
			snap.TotalSize = size
			snap.DownloadedSize = size
		}
		if m[4] != "" {
			snap.Speed = m[4] + " " + m[5] + "/s"
		}
		if m[6] != "" {
			snap.ETA = normalizeClock(m[6])
		}
		return true
	}

	for _, re := range []*regexp.Regexp{destinationRegex, mergerRegex, moveFilesRegex, alreadyDownloadedRegex} {
		if m := re.FindStringSubmatch(line); m != nil {
			snap.Stage = domain.StageFetch
			snap.Filename = strings.TrimSpace(m[1])
			return true
		}
	}

	return false
}

// normalizeClock pads "M:SS" or "MM:SS" to "HH:MM:SS".
func normalizeClock(s string) string {
	parts := strings.Split(s, ":")
	for len(parts) < 3 {
		parts = append([]string{"0"}, parts...)
	}
	for i, p := range parts {
		if len(p) < 2 {
			parts[i] = strings.Repeat("0", 2-len(p)) + p
		}
	}
	return strings.Join(parts, ":")
}
