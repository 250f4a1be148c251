// Package limit parses rate-limit expressions ("10/minute", "5 per 3 seconds")
// and represents the parsed value in the canonical form used to key storage
// entries.
package limit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Granularity is the base time unit of a Limit.
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
	Day
	Month
	Year
)

// Seconds returns the number of seconds in one unit of g. Month and year are
// fixed approximations (30 and 365 days) — documented here rather than done
// with calendar arithmetic, per design.
func (g Granularity) Seconds() int64 {
	switch g {
	case Second:
		return 1
	case Minute:
		return 60
	case Hour:
		return 3600
	case Day:
		return 86400
	case Month:
		return 30 * 86400
	case Year:
		return 365 * 86400
	default:
		return 0
	}
}

func (g Granularity) String() string {
	switch g {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return "unknown"
	}
}

var granularityByName = map[string]Granularity{
	"second": Second,
	"minute": Minute,
	"hour":   Hour,
	"day":    Day,
	"month":  Month,
	"year":   Year,
}

// Limit is an immutable value describing how many events are permitted per
// window, where the window is multiples × the base granularity.
type Limit struct {
	Amount      int64
	Multiples   int64
	Granularity Granularity
}

// New validates and constructs a Limit.
func New(amount, multiples int64, granularity Granularity) (Limit, error) {
	if amount <= 0 {
		return Limit{}, fmt.Errorf("%w: amount must be positive, got %d", ErrMalformedLimit, amount)
	}
	if multiples <= 0 {
		return Limit{}, fmt.Errorf("%w: multiples must be positive, got %d", ErrMalformedLimit, multiples)
	}
	if granularity.Seconds() == 0 {
		return Limit{}, fmt.Errorf("%w: unknown granularity", ErrMalformedLimit)
	}
	return Limit{Amount: amount, Multiples: multiples, Granularity: granularity}, nil
}

// WindowSeconds is multiples × seconds_in(granularity).
func (l Limit) WindowSeconds() int64 {
	return l.Multiples * l.Granularity.Seconds()
}

// ExpirySeconds is the TTL a storage backend should apply. Fixed Window uses
// WindowSeconds unchanged; log-based strategies add a small safety margin so
// a straggling read doesn't race a key's natural expiry.
func (l Limit) ExpirySeconds() int64 {
	return l.WindowSeconds()
}

// LogExpirySeconds is ExpirySeconds plus the safety margin used for
// moving-window entry logs.
func (l Limit) LogExpirySeconds() int64 {
	return l.WindowSeconds() + logSafetyMarginSeconds
}

const logSafetyMarginSeconds = 1

// String returns the canonical form of the limit: "amount/multiples granularity".
// Limit.String is always fully qualified (multiples always present) so that
// canonical(parse(s)) == s holds for every string this method produces; the
// form matches what parseRE accepts for a slash followed by an explicit
// multiples count ("10/1 minute"), not a second slash.
func (l Limit) String() string {
	return fmt.Sprintf("%d/%d %s", l.Amount, l.Multiples, l.Granularity.String())
}

// separator cannot appear in a canonical Limit.String() or in Parse's input
// syntax, so it safely delimits the limit fingerprint from identity
// components in an encoded storage key.
const separator = "\x1f"

// Key derives the deterministic, injective storage key for l and the given
// identity components. The fingerprint includes amount, multiples and
// granularity so that two limits differing in shape occupy disjoint key
// spaces (limit-shape isolation).
func (l Limit) Key(identity ...string) string {
	parts := make([]string, 0, len(identity)+1)
	parts = append(parts, l.String())
	parts = append(parts, identity...)
	return strings.Join(parts, separator)
}

var parseRE = regexp.MustCompile(`(?i)^\s*(\d+)\s*(?:/|per)\s*(?:(\d+)\s+)?(second|minute|hour|day|month|year)s?\s*$`)

// Parse parses a textual limit expression. Accepted forms include
// "10/minute", "10 per minute", "10 per 1 minute", "10/1 minute", matched
// case-insensitively and tolerant of surrounding/internal whitespace.
func Parse(text string) (Limit, error) {
	m := parseRE.FindStringSubmatch(text)
	if m == nil {
		return Limit{}, fmt.Errorf("%w: %q", ErrMalformedLimit, text)
	}

	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Limit{}, fmt.Errorf("%w: %q: %v", ErrMalformedLimit, text, err)
	}

	multiples := int64(1)
	if m[2] != "" {
		multiples, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Limit{}, fmt.Errorf("%w: %q: %v", ErrMalformedLimit, text, err)
		}
	}

	granularity, ok := granularityByName[strings.ToLower(m[3])]
	if !ok {
		return Limit{}, fmt.Errorf("%w: %q: unknown granularity %q", ErrMalformedLimit, text, m[3])
	}

	return New(amount, multiples, granularity)
}

// ParseMany splits text on ';' or ',' and parses each segment, for composite
// or tiered limits (e.g. "100/minute;1000/hour").
func ParseMany(text string) ([]Limit, error) {
	segments := strings.FieldsFunc(text, func(r rune) bool { return r == ';' || r == ',' })
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedLimit, text)
	}
	out := make([]Limit, 0, len(segments))
	for _, seg := range segments {
		l, err := Parse(seg)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
