package engine

import (
	"errors"
	"fmt"
	"strings"
)

// UnavailableKind distinguishes why a source refused to yield media.
// The scheduler and retry logic branch on this: no-content failures are
// permanent, access-blocked failures may succeed with different credentials.
type UnavailableKind string

const (
	UnavailableNoContent     UnavailableKind = "no_content"
	UnavailableAccessBlocked UnavailableKind = "access_blocked"
	UnavailableGeneric       UnavailableKind = "generic"
)

// UnavailableError reports that the extraction tool could not produce media
// info or content for a URL.
type UnavailableError struct {
	Kind   UnavailableKind
	Detail string
}

func (e *UnavailableError) Error() string {
	switch e.Kind {
	case UnavailableNoContent:
		return fmt.Sprintf("no media found at URL: %s", e.Detail)
	case UnavailableAccessBlocked:
		return fmt.Sprintf("access to media blocked: %s", e.Detail)
	default:
		return fmt.Sprintf("media info unavailable: %s", e.Detail)
	}
}

// KindOf extracts the unavailability kind from an error chain, or
// UnavailableGeneric when the error is not an UnavailableError.
func KindOf(err error) UnavailableKind {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return UnavailableGeneric
}

// IsNoContent reports whether err indicates the URL has no retrievable media.
// Such failures are permanent and must not be retried.
func IsNoContent(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Kind == UnavailableNoContent
}

// IsAccessBlocked reports whether err indicates an authentication, rate-limit
// or geo restriction. A different credential strategy may still succeed.
func IsAccessBlocked(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Kind == UnavailableAccessBlocked
}

var noContentPhrases = []string{
	"no video",
	"unsupported url",
	"no media found",
	"video unavailable",
	"this video is not available",
	"content isn't available",
}

var accessBlockedPhrases = []string{
	"sign in",
	"login required",
	"private",
	"403",
	"429",
	"rate limit",
	"rate-limit",
	"geo",
	"not available in your country",
	"confirm your age",
}

// classifyFailure maps raw extraction tool output onto the unavailability
// taxonomy. Tool output phrasing is matched only here; everything above this
// function works with kinds, never with substrings.
func classifyFailure(output string) *UnavailableError {
	lower := strings.ToLower(output)
	detail := condenseDetail(output)

	for _, phrase := range noContentPhrases {
		if strings.Contains(lower, phrase) {
			return &UnavailableError{Kind: UnavailableNoContent, Detail: detail}
		}
	}
	for _, phrase := range accessBlockedPhrases {
		if strings.Contains(lower, phrase) {
			return &UnavailableError{Kind: UnavailableAccessBlocked, Detail: detail}
		}
	}
	return &UnavailableError{Kind: UnavailableGeneric, Detail: detail}
}

// condenseDetail keeps the most informative part of tool output: the first
// ERROR line if one exists, otherwise a truncated tail.
func condenseDetail(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "ERROR:") {
			return trimmed
		}
	}
	trimmed := strings.TrimSpace(output)
	const maxDetail = 512
	if len(trimmed) > maxDetail {
		trimmed = trimmed[len(trimmed)-maxDetail:]
	}
	return trimmed
}
