package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
)

// Parsed rate-limit descriptor reported by an upstream API, e.g.
// "limit=160; remaining=159; reset=8".
type LimitDescriptor struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
	Reset     int `json:"reset"`
}

// ParseError reports a malformed limit header. It is absorbed by the
// discovery layer and never resolves a caller's request.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid ratelimit header: " + e.Reason
}

// ParseLimitHeader parses a semicolon-separated key=value limit header.
// Keys are case-insensitive and may appear in any order; extra keys are
// ignored. limit, remaining and reset are required and must be
// non-negative numbers (floats are truncated).
func ParseLimitHeader(headerValue string) (LimitDescriptor, error) {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return LimitDescriptor{}, &ParseError{Reason: "header is empty"}
	}

	parsed := make(map[string]int, 3)
	validPairs := false

	for _, part := range strings.Split(headerValue, ";") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, "=") {
			continue
		}

		key, value, _ := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if value == "" {
			return LimitDescriptor{}, &ParseError{Reason: fmt.Sprintf("empty value for %s", key)}
		}

		validPairs = true

		n, err := parseNonNegative(value)
		if err != nil {
			if isRequiredField(key) {
				return LimitDescriptor{}, &ParseError{
					Reason: fmt.Sprintf("non-numeric value %q for %s", value, key),
				}
			}
			// Non-numeric extra fields are ignored
			continue
		}
		parsed[key] = n
	}

	if !validPairs {
		return LimitDescriptor{}, &ParseError{Reason: "no key=value pairs found"}
	}

	for _, field := range []string{"limit", "remaining", "reset"} {
		if _, ok := parsed[field]; !ok {
			return LimitDescriptor{}, &ParseError{Reason: "missing required field " + field}
		}
	}

	return LimitDescriptor{
		Limit:     parsed["limit"],
		Remaining: parsed["remaining"],
		Reset:     parsed["reset"],
	}, nil
}

func isRequiredField(key string) bool {
	return key == "limit" || key == "remaining" || key == "reset"
}

func parseNonNegative(value string) (int, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative value %s", value)
	}
	return int(f), nil
}
