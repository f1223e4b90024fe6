package errs

import "fmt"

// ErrPanic converts a recovered panic value into a CodeError.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return &CodeError{
		Code:   ServerInternalError,
		Msg:    "panic error",
		Detail: fmt.Sprint(r),
	}
}
