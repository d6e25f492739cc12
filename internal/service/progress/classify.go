package progress

import (
	"strings"
	"sync"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// Classification is a recognized error line.
type Classification struct {
	Kind    domain.ErrorKind
	Reason  string
	Message string
}

// Err converts the classification into a job error.
func (c Classification) Err() *domain.JobError {
	return domain.NewJobError(c.Kind, c.Reason, c.Message)
}

type errorRule struct {
	needle string
	kind   domain.ErrorKind
	reason string
}

// Checked in order; the first match wins.
var errorRules = []errorRule{
	{"This video is unavailable", domain.ErrorKindExtraction, "unavailable"},
	{"Video unavailable", domain.ErrorKindExtraction, "unavailable"},
	{"Private video", domain.ErrorKindExtraction, "private"},
	{"Sign in to confirm your age", domain.ErrorKindExtraction, "age_restricted"},
	{"Unable to extract", domain.ErrorKindExtraction, "unable_to_extract"},
	{"HTTP Error 404", domain.ErrorKindExtraction, "not_found"},
	{"HTTP Error 403", domain.ErrorKindExtraction, "forbidden"},
	{"HTTP Error", domain.ErrorKindExtraction, "http_error"},
	{"is not a valid URL", domain.ErrorKindValidation, "invalid_url"},
	{"Unsupported URL", domain.ErrorKindValidation, "unsupported_url"},
	{"Conversion failed!", domain.ErrorKindTranscode, "conversion_failed"},
	{"Invalid data found when processing input", domain.ErrorKindTranscode, "invalid_input"},
	{"Error while decoding stream", domain.ErrorKindTranscode, "decode_error"},
}

// Classify maps a stderr line to the error taxonomy.
func Classify(line string) (Classification, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Classification{}, false
	}
	for _, r := range errorRules {
		if strings.Contains(line, r.needle) {
			return Classification{
				Kind:    r.kind,
				Reason:  r.reason,
				Message: strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")),
			}, true
		}
	}
	return Classification{}, false
}

const defaultErrorLogLimit = 200

// ErrorLog collects stderr for one process run: the first classified error
// and a bounded raw buffer of lines that matched no rule.
type ErrorLog struct {
	mu    sync.Mutex
	first *Classification
	raw   []string
	limit int
}

// NewErrorLog creates an empty error log.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{limit: defaultErrorLogLimit}
}

// Observe records one stderr line and returns its classification, if any.
func (l *ErrorLog) Observe(line string) (Classification, bool) {
	c, ok := Classify(line)

	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		if l.first == nil {
			l.first = &c
		}
		return c, true
	}
	if strings.TrimSpace(line) == "" {
		return Classification{}, false
	}
	l.raw = append(l.raw, line)
	if len(l.raw) > l.limit {
		l.raw = l.raw[len(l.raw)-l.limit:]
	}
	return Classification{}, false
}

// First returns the first classified error line.
func (l *ErrorLog) First() (Classification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		return Classification{}, false
	}
	return *l.first, true
}

// Raw returns the unclassified lines joined by newlines.
func (l *ErrorLog) Raw() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.raw, "\n")
}

// LastLine returns the most recent unclassified line.
func (l *ErrorLog) LastLine() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.raw) == 0 {
		return ""
	}
	return l.raw[len(l.raw)-1]
}
