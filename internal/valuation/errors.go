package valuation

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorises valuation failures so callers can decide whether to
// retry with relaxed parameters.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidPropertyInput: malformed or missing subject attributes.
	KindInvalidPropertyInput
	// KindInsufficientSegmentData: no sales to derive market factors from.
	KindInsufficientSegmentData
	// KindInsufficientComparables: too few qualifying comparables.
	KindInsufficientComparables
	// KindSourceUnavailable: the sale record source failed or timed out.
	KindSourceUnavailable
	// kindInsufficientData only appears in the ErrInsufficientData sentinel.
	kindInsufficientData
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPropertyInput:
		return "invalid_property_input"
	case KindInsufficientSegmentData:
		return "insufficient_segment_data"
	case KindInsufficientComparables:
		return "insufficient_comparables"
	case KindSourceUnavailable:
		return "source_unavailable"
	case kindInsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every valuation operation.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	SegmentKey string
	Attempts   int // fallback attempts made before giving up
	Found      int // qualifying records found on the last attempt
	Required   int // records needed to proceed
	Timeout    bool
	Fields     []string // invalid subject fields
	Err        error
}

var (
	ErrInvalidPropertyInput    = &Error{Kind: KindInvalidPropertyInput}
	ErrInsufficientSegmentData = &Error{Kind: KindInsufficientSegmentData}
	ErrInsufficientComparables = &Error{Kind: KindInsufficientComparables}
	ErrSourceUnavailable       = &Error{Kind: KindSourceUnavailable}

	// ErrInsufficientData matches both segment and comparable shortfalls.
	ErrInsufficientData = &Error{Kind: kindInsufficientData}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}
	if e.SegmentKey != "" {
		fmt.Fprintf(&b, " (segment %s)", e.SegmentKey)
	}
	if e.Kind == KindInsufficientComparables || e.Kind == KindInsufficientSegmentData {
		fmt.Fprintf(&b, " [found %d, required %d, attempts %d]", e.Found, e.Required, e.Attempts)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [fields: %s]", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by Kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == kindInsufficientData {
		return e.Kind == KindInsufficientSegmentData || e.Kind == KindInsufficientComparables
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a source failure caused by a deadline.
func IsTimeout(err error) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Kind == KindSourceUnavailable && verr.Timeout
}
