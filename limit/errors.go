package limit

import "errors"

// ErrMalformedLimit is returned by Parse/ParseMany/New when the input does
// not describe a valid limit. It is a caller bug, not a transient condition.
var ErrMalformedLimit = errors.New("limit: malformed limit expression")

// IsMalformed reports whether err is (or wraps) ErrMalformedLimit.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedLimit)
}
