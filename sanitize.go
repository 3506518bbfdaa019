/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Untrusted strings pass through here before touching any shared state.
// Payloads are JSON-decoded values (string/number/bool/array/object);
// recursion over them is depth- and length-bounded so a hostile client
// cannot make the sanitizer itself the problem.

const (
	maxRoomNameLength = 50
	maxPayloadDepth   = 5
	maxPayloadItems   = 100
	maxPayloadKey     = 100
	maxPayloadString  = 1000
	maxCustomInfoKey  = 50
	maxCustomInfoText = 500
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`),
	regexp.MustCompile(`(?is)<object[^>]*>.*?</object>`),
	regexp.MustCompile(`(?is)<embed[^>]*>.*?</embed>`),
	regexp.MustCompile(`(?is)<link[^>]*>`),
	regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)expression\s*\(`),
}

var scriptPatterns = append(dangerousPatterns,
	regexp.MustCompile(`(?is)<[^>]*>[^<]*alert\s*\(`),
	regexp.MustCompile(`(?is)<[^>]*>[^<]*eval\s*\(`),
)

// CJK ideographs plus ASCII word characters, space, hyphen, underscore, dot.
var roomNamePattern = regexp.MustCompile(`^[\w\p{Han}\s\-.]+$`)

// sanitizeText escapes and strips a string destined for shared state.
func sanitizeText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) > maxLength {
		text = string(runes[:maxLength])
	}

	text = html.EscapeString(text)

	for _, pattern := range dangerousPatterns {
		text = pattern.ReplaceAllString(text, "")
	}

	return strings.TrimSpace(text)
}

// validateRoomName returns the sanitized name, or a validation error
// explaining what was wrong with it.
func validateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("room name must not be empty")
	}

	if len([]rune(name)) > maxRoomNameLength {
		return "", validationError("room name must be at most 50 characters")
	}

	if !roomNamePattern.MatchString(name) {
		return "", validationError("room name may only contain letters, digits, CJK characters, spaces, hyphens, underscores and dots")
	}

	return sanitizeText(name, maxRoomNameLength), nil
}

// containsScript walks a decoded JSON value looking for embedded script
// content. Values nested deeper than the limit are passed; the sanitizer
// will truncate them anyway.
func containsScript(value any, depth int) bool {
	if depth <= 0 {
		return false
	}

	switch v := value.(type) {
	case string:
		for _, pattern := range scriptPatterns {
			if pattern.MatchString(v) {
				return true
			}
		}
	case map[string]any:
		for key, item := range v {
			if containsScript(key, 1) || containsScript(item, depth-1) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if containsScript(item, depth-1) {
				return true
			}
		}
	}

	return false
}

// sanitizePayload returns a sanitized copy of a decoded JSON value.
// Strings are escaped and capped, arrays truncated, objects re-keyed with
// sanitized keys. Scalars pass through untouched.
func sanitizePayload(value any, depth int) any {
	if depth <= 0 {
		return value
	}

	switch v := value.(type) {
	case string:
		return sanitizeText(v, maxPayloadString)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[sanitizeText(key, maxPayloadKey)] = sanitizePayload(item, depth-1)
		}
		return out
	case []any:
		if len(v) > maxPayloadItems {
			v = v[:maxPayloadItems]
		}
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizePayload(item, depth-1))
		}
		return out
	case bool, float64, nil:
		return v
	default:
		return truncate(stringify(v), maxPayloadKey)
	}
}

// filterCustomInfo keeps only scalar-valued entries, sanitizing keys and
// string values. Nested structures are dropped rather than walked.
func filterCustomInfo(info map[string]any) map[string]any {
	out := make(map[string]any, len(info))

	for key, value := range info {
		safeKey := sanitizeText(key, maxCustomInfoKey)
		if safeKey == "" {
			continue
		}

		switch v := value.(type) {
		case string:
			out[safeKey] = sanitizeText(v, maxCustomInfoText)
		case bool, float64, int, int64:
			out[safeKey] = v
		}
	}

	return out
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func truncate(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) > maxLength {
		return string(runes[:maxLength])
	}
	return text
}
