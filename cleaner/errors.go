package cleaner

import (
	"errors"
	"fmt"
)

// ErrUnsupportedScheme means the document matched a scheme's fingerprint
// but its layout cannot be rewritten safely.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// BoundaryError reports a sandwich page whose shared-stream pair sits too
// close to either end of its content list.
type BoundaryError struct {
	Page      int
	Low, High int
	Len       int
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("page %d: content range [%d, %d] outside %d streams", e.Page, e.Low-2, e.High+3, e.Len)
}

func (e *BoundaryError) Unwrap() error { return ErrUnsupportedScheme }
