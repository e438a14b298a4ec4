package hooks

import "github.com/pkg/errors"

var (
	ErrNotFound         = errors.New("hook not found")
	ErrAlreadyExists    = errors.New("hook already exists")
	ErrInvalid          = errors.New("invalid hook definition")
	ErrInvalidScope     = errors.New("invalid scope")
	ErrLockTimeout      = errors.New("timed out waiting for hook lock")
	ErrAllServersFailed = errors.New("operation failed on every server")
)
