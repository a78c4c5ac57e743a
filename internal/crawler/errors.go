package crawler

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing component boundaries.
type Kind int

// Error kinds. KindUnknown is never produced by the executor for a
// classified failure.
const (
	KindUnknown Kind = iota
	KindNetwork
	KindSoftBlock
	KindBotChallenge
	KindValidation
	KindPoolExhausted
	KindPermanent
	KindCanceled
)

// Sentinels matched with errors.Is against an *Error of the same kind.
var (
	ErrNetwork       = errors.New("network error")
	ErrSoftBlock     = errors.New("soft block")
	ErrBotChallenge  = errors.New("bot challenge")
	ErrValidation    = errors.New("validation error")
	ErrPoolExhausted = errors.New("browser pool exhausted")
	ErrPermanent     = errors.New("permanent fetch failure")
	ErrCanceled      = errors.New("operation canceled")
)

// CloudflareBypassMessage is reported when a visible stealth render could
// not get past an interactive challenge.
const CloudflareBypassMessage = "Unable to bypass Cloudflare protection. Please try again later or skip this site."

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindSoftBlock:
		return "soft_block"
	case KindBotChallenge:
		return "bot_challenge"
	case KindValidation:
		return "validation"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindSoftBlock:
		return ErrSoftBlock
	case KindBotChallenge:
		return ErrBotChallenge
	case KindValidation:
		return ErrValidation
	case KindPoolExhausted:
		return ErrPoolExhausted
	case KindPermanent:
		return ErrPermanent
	case KindCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	URL      string
	Attempts int
	Msg      string
	Err      error
}

// NewError builds a classified error wrapping cause.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Reason returns the human-readable failure reason recorded in results.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	return err.Error()
}
