package main

import "errors"

var (
	ErrInvalidLogLevel = errors.New("invalid log level")
	ErrBuildLogger     = errors.New("build logger")
	ErrLoadConfig      = errors.New("load config")
	ErrInvalidVolume   = errors.New("invalid volume mount")
	ErrOpenAudit       = errors.New("open audit store")
	ErrAuditDisabled   = errors.New("no audit database configured (use --audit-db or audit.path)")
	ErrNotRegularFile  = errors.New("not a regular file")
	ErrReadModule      = errors.New("read wasm module")
	ErrInvalidArgs     = errors.New("invalid guest arguments")
	ErrServe           = errors.New("serve")
)
