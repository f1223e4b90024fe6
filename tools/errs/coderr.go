package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError is the wire-facing error shape: a stable numeric code, a short
// message, and an optional detail that is kept server-side only.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail; the original stays clean
// so predeclared errors can be compared with errors.Is.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) WrapMsg(err error, msg string) *CodeError {
	if err == nil {
		return e.WithDetail(msg)
	}
	return e.WithDetail(msg + ": " + err.Error())
}

// Is matches on code, so a detailed copy still matches its predeclared value.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the numeric code, or ServerInternalError for foreign errors.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerInternalError
}
