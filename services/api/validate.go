package api

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"evidenced/services/evidence"
)

// MaxNoteLength is the longest note accepted with a capture, in characters.
const MaxNoteLength = 500

var evidenceIDPattern = regexp.MustCompile(`^ev_[0-9a-fA-F-]{36}$`)

func validateCaptureRequest(req *evidence.Request) error {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("url is invalid: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	case "":
		return errors.New("url must include a scheme")
	default:
		return fmt.Errorf("url scheme %q is not supported", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("url must include a host")
	}
	if n := utf8.RuneCountInString(req.Note); n > MaxNoteLength {
		return fmt.Errorf("note must be at most %d characters, got %d", MaxNoteLength, n)
	}
	return nil
}

func validEvidenceID(id string) bool {
	return evidenceIDPattern.MatchString(id)
}

// parsePaging reads skip and take; missing values are zero, which the
// service turns into defaults.
func parsePaging(q url.Values) (skip, take int, err error) {
	if skip, err = nonNegative(q, "skip"); err != nil {
		return 0, 0, err
	}
	if take, err = nonNegative(q, "take"); err != nil {
		return 0, 0, err
	}
	return skip, take, nil
}

func nonNegative(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
