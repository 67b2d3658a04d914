package patch

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when the builder is used after Close.
var ErrInvalidState = errors.New("patch builder is closed")

// FileAccessError reports a local file that could not be read into the
// patch.
type FileAccessError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileAccessError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }
