// Package namespace computes the (org, user, assistant, category) tuples
// used to scope the cross-thread memory store, and normalises the
// namespace shapes accepted on the store HTTP surface. Both operations are
// pure and have no persistence dependency.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidNamespace is returned when a namespace segment is empty or
// whitespace-only.
var ErrInvalidNamespace = errors.New("invalid namespace")

// Category is one of the fixed memory-store partitions.
type Category string

// Recognised categories.
const (
	CategoryTokens      Category = "tokens"
	CategoryContext     Category = "context"
	CategoryMemories    Category = "memories"
	CategoryPreferences Category = "preferences"
)

// Special pseudo-ids.
const (
	SharedUser   = "shared"
	GlobalAssist = "global"
)

// Components is the extracted (org, user, assistant, category) identity
// used to build a store namespace tuple.
type Components struct {
	OrgID       string
	UserID      string
	AssistantID string
}

// ExtractComponents reads org_id, user_id, assistant_id out of a request's
// configurable dict. Returns nil when any of the three is missing or is not
// a string — callers treat this as "namespacing not available for this
// request" rather than an error.
func ExtractComponents(configurable map[string]any) *Components {
	org, ok1 := configurable["org_id"].(string)
	user, ok2 := configurable["user_id"].(string)
	assistant, ok3 := configurable["assistant_id"].(string)
	if !ok1 || !ok2 || !ok3 || org == "" || user == "" || assistant == "" {
		return nil
	}
	return &Components{OrgID: org, UserID: user, AssistantID: assistant}
}

// Build validates and assembles the 4-tuple namespace. Each segment is
// trimmed; empty or whitespace-only segments are rejected.
func Build(org, user, assistant string, category Category) ([]string, error) {
	segs := []string{org, user, assistant, string(category)}
	out := make([]string, len(segs))
	for i, s := range segs {
		t := strings.TrimSpace(s)
		if t == "" {
			return nil, fmt.Errorf("%w: segment %d is empty", ErrInvalidNamespace, i)
		}
		out[i] = t
	}
	return out, nil
}

// Normalize implements the store-namespace normalisation contract: accept
// either a JSON array (already unmarshalled as []any/[]string), a bare
// string, or a raw query-string value (percent-encoded, possibly a
// JSON-encoded array). It is idempotent and shape-invariant:
// Normalize(Normalize(x)) == Normalize(x) and Normalize(["a"]) == Normalize("a").
// Dots are never treated as separators.
func Normalize(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return normalizeSegments(v)
	case []any:
		segs := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string segment", ErrInvalidNamespace)
			}
			segs = append(segs, s)
		}
		return normalizeSegments(segs)
	case string:
		return NormalizeQueryValue(v)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidNamespace, raw)
	}
}

// NormalizeQueryValue handles the query-string scalar case: percent-decode,
// then try JSON array decoding; if that fails, treat the whole (decoded)
// string as a single-element namespace. Never splits on '.'.
func NormalizeQueryValue(raw string) ([]string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}

	trimmed := strings.TrimSpace(decoded)
	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return normalizeSegments(arr)
		}
	}
	return normalizeSegments([]string{decoded})
}

func normalizeSegments(segs []string) ([]string, error) {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		t := strings.TrimSpace(s)
		if t == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrInvalidNamespace)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidNamespace)
	}
	return out, nil
}

// Join renders a namespace as its storage key form (used in SQL predicates
// and log fields) — segments joined with a NUL byte. Segments are trimmed
// but not otherwise restricted, so a segment that itself contains a NUL byte
// makes the joined form ambiguous; callers
// needing a display form should print the slice directly).
func Join(segs []string) string {
	return strings.Join(segs, "\x00")
}
