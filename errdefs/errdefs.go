// Package errdefs classifies installer failures into the three kinds the
// user interface distinguishes: configuration, network and internal errors.
//
// Classification uses cockroachdb/errors marks so a kind survives any amount
// of fmt.Errorf("%w") wrapping with stage context. Remediation text travels
// as a hint and is rendered separately from the message.
package errdefs

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind references. Test with IsConfig / IsNetwork / IsInternal or KindOf,
// not with the standard library errors.Is (marks are invisible to it).
var (
	ErrConfig   = errors.New("configuration error")
	ErrNetwork  = errors.New("network error")
	ErrInternal = errors.New("internal error")
)

// Config returns a new ConfigError.
func Config(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

// Network returns a new NetworkError.
func Network(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNetwork)
}

// Internal returns a new InternalError.
func Internal(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInternal)
}

// WithKind classifies a foreign error. A nil err stays nil.
func WithKind(err, kind error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

// WithHint attaches user-facing remediation text.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return errors.WithHint(err, hint)
}

// Hints returns all remediation text attached anywhere in the chain.
func Hints(err error) string {
	return strings.TrimSpace(errors.FlattenHints(err))
}

func IsConfig(err error) bool   { return errors.Is(err, ErrConfig) }
func IsNetwork(err error) bool  { return errors.Is(err, ErrNetwork) }
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }

// KindOf names the kind of err for display: "config", "network", "internal",
// or "" when err is unclassified.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfig(err):
		return "config"
	case IsNetwork(err):
		return "network"
	case IsInternal(err):
		return "internal"
	default:
		return ""
	}
}
