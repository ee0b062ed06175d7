package storage

import "fmt"

// ErrKind is the closed set of error categories a FlintDB component can
// surface. Callers branch on Kind, never on the error string.
type ErrKind int

const (
	KindIO ErrKind = iota
	KindInvalidOffset
	KindInvalidHeader
	KindOutOfMemory
	KindCorrupt
	KindInvalidTransaction
	KindUnsupported
	KindReadOnly
)

func (k ErrKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindInvalidOffset:
		return "invalid_offset"
	case KindInvalidHeader:
		return "invalid_header"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindCorrupt:
		return "corrupt"
	case KindInvalidTransaction:
		return "invalid_transaction"
	case KindUnsupported:
		return "unsupported"
	case KindReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// Error is the single error type every exported FlintDB operation returns.
// It carries enough context to identify the failing component and offset
// without requiring string parsing.
type Error struct {
	Kind      ErrKind
	Component string // "pagedstore", "walstorage", "walmanager"
	Offset    int64  // -1 if not applicable
	Reason    string
	Err       error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s at offset %d: %s: %v", e.Component, e.Kind, e.Offset, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s at offset %d: %s", e.Component, e.Kind, e.Offset, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(component string, kind ErrKind, offset int64, reason string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Offset: offset, Reason: reason, Err: cause}
}

func errIO(component string, offset int64, cause error) *Error {
	return newErr(component, KindIO, offset, "i/o failure", cause)
}

func errInvalidOffset(component string, offset int64) *Error {
	return newErr(component, KindInvalidOffset, offset, "not a live record head", nil)
}

func errInvalidHeader(component, reason string) *Error {
	return newErr(component, KindInvalidHeader, -1, reason, nil)
}

func errCorrupt(component string, offset int64, reason string) *Error {
	return newErr(component, KindCorrupt, offset, reason, nil)
}

func errInvalidTransaction(component string, txID int64) *Error {
	return newErr(component, KindInvalidTransaction, -1, fmt.Sprintf("unknown or closed tx %d", txID), nil)
}

func errUnsupported(component, feature string) *Error {
	return newErr(component, KindUnsupported, -1, feature, nil)
}

func errReadOnly(component string) *Error {
	return newErr(component, KindReadOnly, -1, "store is read-only", nil)
}
