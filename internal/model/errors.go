package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTimeout           = errors.New("timeout")
	ErrUnavailable       = errors.New("unavailable")
)
