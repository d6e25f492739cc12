// Package importer extracts job URLs from batch files.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// Kind is a batch file format.
type Kind string

const (
	KindAuto Kind = ""
	KindText Kind = "txt"
	KindCSV  Kind = "csv"
	KindJSON Kind = "json"
	KindYAML Kind = "yaml"
)

// ErrUnsupportedKind is returned for unknown file formats.
var ErrUnsupportedKind = errors.New("unsupported import format")

var urlRegex = regexp.MustCompile(`https?://\S+`)

// Options controls field lookup.
type Options struct {
	Kind Kind
	// CSVColumn is a header name or zero-based column index. Empty picks a
	// "url" header, or else the first URL-looking cell of each row.
	CSVColumn string
	// Field is the object key holding the URL in JSON and YAML documents.
	Field string
}

// Result lists the URLs found and how many candidate entries were rejected.
type Result struct {
	URLs    []string `json:"urls"`
	Skipped int      `json:"skipped"`
}

// DetectKind picks a format from a file extension.
func DetectKind(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return KindCSV
	case ".json":
		return KindJSON
	case ".yaml", ".yml":
		return KindYAML
	default:
		return KindText
	}
}

// ParseKind parses a user-supplied format name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuto, KindText, KindCSV, KindJSON, KindYAML:
		return k, nil
	case "text":
		return KindText, nil
	case "yml":
		return KindYAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// ParseFile reads a batch file. The format comes from opts.Kind or the extension.
func ParseFile(path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	if opts.Kind == KindAuto {
		opts.Kind = DetectKind(path)
	}
	return Parse(f, opts)
}

// Parse reads a batch document. KindAuto is treated as text.
func Parse(r io.Reader, opts Options) (Result, error) {
	var (
		candidates []string
		err        error
	)
	switch opts.Kind {
	case KindAuto, KindText:
		candidates, err = parseText(r)
	case KindCSV:
		candidates, err = parseCSV(r, opts.CSVColumn)
	case KindJSON:
		candidates, err = parseJSON(r, fieldName(opts))
	case KindYAML:
		candidates, err = parseYAML(r, fieldName(opts))
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, opts.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	return collect(candidates), nil
}

func fieldName(opts Options) string {
	if opts.Field == "" {
		return "url"
	}
	return opts.Field
}

// collect validates and de-duplicates candidates, keeping first-seen order.
func collect(candidates []string) Result {
	var res Result
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := domain.ValidateURL(c); err != nil {
			res.Skipped++
			continue
		}
		key := domain.NormalizeURL(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.URLs = append(res.URLs, c)
	}
	return res
}

func parseText(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read text import: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := urlRegex.FindString(line); m != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

func parseCSV(r io.Reader, column string) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV import: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	idx := -1
	column = strings.TrimSpace(column)
	if column != "" {
		if n, err := strconv.Atoi(column); err == nil && n >= 0 {
			idx = n
		} else {
			idx = headerIndex(records[0], column)
			if idx < 0 {
				return nil, fmt.Errorf("CSV column %q not found in header", column)
			}
			records = records[1:]
		}
	} else if h := headerIndex(records[0], "url"); h >= 0 {
		idx = h
		records = records[1:]
	}

	var out []string
	for _, rec := range records {
		if idx >= 0 {
			if idx < len(rec) {
				out = append(out, rec[idx])
			}
			continue
		}
		for _, cell := range rec {
			if m := urlRegex.FindString(cell); m != "" {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func headerIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), name) {
			return i
		}
	}
	return -1
}

func parseJSON(r io.Reader, field string) ([]string, error) {
	var doc any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON import: %w", err)
	}
	return walkDocument(doc, field)
}

func parseYAML(r io.Reader, field string) ([]string, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse YAML import: %w", err)
	}
	return walkDocument(doc, field)
}

// walkDocument accepts a list of strings or objects, or an object holding
// such a list under "urls".
func walkDocument(doc any, field string) ([]string, error) {
	switch v := doc.(type) {
	case []any:
		return entries(v, field), nil
	case map[string]any:
		list, ok := v["urls"].([]any)
		if !ok {
			if s, ok := v[field].(string); ok {
				return []string{s}, nil
			}
			return nil, errors.New(`import document must be a list or an object with a "urls" list`)
		}
		return entries(list, field), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected import document of type %T", doc)
}

func entries(list []any, field string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if s, ok := v[field].(string); ok {
				out = append(out, s)
			} else {
				// Keep the slot so it is counted as skipped.
				out = append(out, "-")
			}
		default:
			out = append(out, "-")
		}
	}
	return out
}
