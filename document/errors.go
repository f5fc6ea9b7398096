package document

import (
	"errors"
	"fmt"

	"github.com/wudi/gulagcleaner/ir/raw"
)

var (
	// ErrMalformedDocument means the container could not be loaded.
	ErrMalformedDocument = errors.New("malformed document")
	// ErrUnexpectedObjectType means an entry is not the kind of object required.
	ErrUnexpectedObjectType = errors.New("unexpected object type")
	// ErrMissingKey means a required dictionary entry is absent.
	ErrMissingKey = errors.New("missing key")
	// ErrPageNotFound means a page number is outside 1..PageCount.
	ErrPageNotFound = errors.New("page not found")
)

// ObjectError reports which object and entry an operation failed on.
type ObjectError struct {
	Op  string
	Ref raw.ObjectRef
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s /%s: %v", e.Op, e.Ref, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *ObjectError) Unwrap() error { return e.Err }
