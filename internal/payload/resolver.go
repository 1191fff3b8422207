package payload

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	boothParameter = "booth"
	previewLength  = 50
)

// DefaultPrefixes lists the booth category prefixes printed on the stickers.
var DefaultPrefixes = []string{"art", "folk", "life"}

var (
	// ErrInvalidPayload matches every rejection returned by Resolve.
	ErrInvalidPayload = errors.New("payload: invalid payload")
	// ErrNoPrefixes indicates a resolver was configured without booth categories.
	ErrNoPrefixes = errors.New("payload: at least one booth prefix is required")

	embeddedParameterPattern = regexp.MustCompile(`[?&]` + boothParameter + `=([^&]+)`)
	prefixPattern            = regexp.MustCompile(`^[a-z]+$`)
)

// BoothCode is the canonical identifier of a booth.
type BoothCode string

func (c BoothCode) String() string {
	return string(c)
}

// Rejection reasons carried by RejectionError.
const (
	ReasonEmpty            = "empty"
	ReasonMissingParameter = "missing_booth_parameter"
	ReasonUndecodable      = "undecodable_booth_parameter"
	ReasonUnrecognized     = "unrecognized"
)

// RejectionError describes input that does not name a booth.
type RejectionError struct {
	Reason  string
	Preview string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s (%s): %q", ErrInvalidPayload.Error(), e.Reason, e.Preview)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrInvalidPayload
}

type attemptResult int

const (
	attemptSkipped attemptResult = iota
	attemptMatched
	attemptRejected
)

// attempt inspects raw input. A matched or rejected result ends resolution;
// a skipped result hands the input to the next attempt.
type attempt func(raw string) (value string, result attemptResult, reason string)

// Resolver turns scanned or typed text into a booth code.
type Resolver struct {
	barePattern *regexp.Regexp
	attempts    []attempt
}

// NewResolver builds a resolver accepting bare codes for the given category prefixes.
func NewResolver(prefixes []string) (*Resolver, error) {
	alternatives := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if !prefixPattern.MatchString(prefix) {
			return nil, fmt.Errorf("payload: booth prefix %q must be alphabetic", prefix)
		}
		alternatives = append(alternatives, regexp.QuoteMeta(prefix))
	}
	if len(alternatives) == 0 {
		return nil, ErrNoPrefixes
	}

	resolver := &Resolver{
		barePattern: regexp.MustCompile(`(?i)^(` + strings.Join(alternatives, "|") + `)\d+$`),
	}
	resolver.attempts = []attempt{
		structuredLink,
		embeddedParameter,
		resolver.bareCode,
	}
	return resolver, nil
}

var defaultResolver, _ = NewResolver(DefaultPrefixes)

// Resolve runs the default resolver.
func Resolve(raw string) (BoothCode, error) {
	return defaultResolver.Resolve(raw)
}

// Resolve returns the booth code named by raw, or a *RejectionError.
func (r *Resolver) Resolve(raw string) (BoothCode, error) {
	if strings.TrimSpace(raw) == "" {
		return "", reject(raw, ReasonEmpty)
	}
	for _, try := range r.attempts {
		value, result, reason := try(raw)
		switch result {
		case attemptMatched:
			return BoothCode(value), nil
		case attemptRejected:
			return "", reject(raw, reason)
		}
	}
	return "", reject(raw, ReasonUnrecognized)
}

// structuredLink accepts absolute URLs. Once the text parses as one, the booth
// parameter is the only acceptable source of the code.
func structuredLink(raw string) (string, attemptResult, string) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" {
		return "", attemptSkipped, ""
	}
	value := strings.TrimSpace(parsed.Query().Get(boothParameter))
	if value == "" {
		return "", attemptRejected, ReasonMissingParameter
	}
	return value, attemptMatched, ""
}

func embeddedParameter(raw string) (string, attemptResult, string) {
	match := embeddedParameterPattern.FindStringSubmatch(raw)
	if match == nil {
		return "", attemptSkipped, ""
	}
	decoded, err := url.PathUnescape(match[1])
	if err != nil {
		return "", attemptRejected, ReasonUndecodable
	}
	value := strings.TrimSpace(decoded)
	if value == "" {
		return "", attemptRejected, ReasonEmpty
	}
	return value, attemptMatched, ""
}

func (r *Resolver) bareCode(raw string) (string, attemptResult, string) {
	candidate := strings.TrimSpace(raw)
	if !r.barePattern.MatchString(candidate) {
		return "", attemptSkipped, ""
	}
	return strings.ToLower(candidate), attemptMatched, ""
}

func reject(raw, reason string) error {
	return &RejectionError{Reason: reason, Preview: preview(raw)}
}

func preview(raw string) string {
	runes := []rune(raw)
	if len(runes) <= previewLength {
		return raw
	}
	return string(runes[:previewLength])
}
