package domain

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// URL validation errors
var (
	ErrEmptyURL        = errors.New("URL cannot be empty")
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrSchemeNotHTTP   = errors.New("only http and https URLs are allowed")
	ErrUserInfoPresent = errors.New("URLs with user credentials are not allowed")
)

// ValidateURL checks that a job URL is a parseable http(s) URL with a host
// and no userinfo.
func ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if parsedURL.Scheme != "https" && parsedURL.Scheme != "http" {
		return ErrSchemeNotHTTP
	}

	if parsedURL.User != nil {
		return ErrUserInfoPresent
	}

	if parsedURL.Hostname() == "" {
		return ErrInvalidURL
	}

	return nil
}

// NormalizeURL removes fragments and trailing slashes.
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsedURL.Fragment = ""

	normalized := parsedURL.String()
	if len(normalized) > 0 && normalized[len(normalized)-1] == '/' && parsedURL.Path != "/" {
		normalized = normalized[:len(normalized)-1]
	}
	return normalized
}

const maxFilenameLen = 100

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	restrictedChars      = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// SanitizeFilename makes a title safe to use as a file name stem.
// Names are cut to 100 runes. Empty results fall back to "video".
func SanitizeFilename(name string, restrict bool) string {
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	if restrict {
		name = strings.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return '_'
			}
			if unicode.IsSpace(r) {
				return '_'
			}
			return r
		}, name)
		name = restrictedChars.ReplaceAllString(name, "_")
	}
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")

	if r := []rune(name); len(r) > maxFilenameLen {
		name = strings.TrimSpace(string(r[:maxFilenameLen]))
	}
	if name == "" {
		return "video"
	}
	return name
}
