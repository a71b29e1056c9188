package frame

import (
	"errors"
	"fmt"
)

var (
	ErrSizeMismatch = errors.New("frame size mismatch")
	ErrBadSync      = errors.New("frame bad sync")
	ErrBadChecksum  = errors.New("frame bad checksum")
	ErrValueCount   = errors.New("frame value count mismatch")
)

// DecodeErrorKind classifies why a buffer was rejected.
type DecodeErrorKind int

const (
	SizeMismatch DecodeErrorKind = iota
	BadSync
	BadChecksum
)

func (k DecodeErrorKind) String() string {
	switch k {
	case SizeMismatch:
		return "size mismatch"
	case BadSync:
		return "bad sync"
	case BadChecksum:
		return "bad checksum"
	}
	return fmt.Sprintf("DecodeErrorKind(%d)", int(k))
}

// DecodeError is returned by Decode. Consumers drop the frame and wait for
// the next one; it is never fatal.
type DecodeError struct {
	Kind DecodeErrorKind
	Got  int
	Want int
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case SizeMismatch:
		return fmt.Sprintf("frame: size mismatch: got %d bytes, want %d", e.Got, e.Want)
	case BadSync:
		return fmt.Sprintf("frame: bad sync: got 0x%04X, want 0x%04X", e.Got, e.Want)
	default:
		return fmt.Sprintf("frame: bad checksum: got 0x%04X, want 0x%04X", e.Got, e.Want)
	}
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrSizeMismatch:
		return e.Kind == SizeMismatch
	case ErrBadSync:
		return e.Kind == BadSync
	case ErrBadChecksum:
		return e.Kind == BadChecksum
	}
	return false
}

// ValueCountError is the Encode precondition failure.
type ValueCountError struct {
	Got  int
	Want int
}

func (e *ValueCountError) Error() string {
	return fmt.Sprintf("frame: got %d values, want %d", e.Got, e.Want)
}

func (e *ValueCountError) Is(target error) bool { return target == ErrValueCount }
