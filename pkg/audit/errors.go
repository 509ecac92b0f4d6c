package audit

import "errors"

var (
	ErrDBPathRequired     = errors.New("audit database path is required")
	ErrOpenDB             = errors.New("open audit database")
	ErrOpenInitLock       = errors.New("open audit database init lock")
	ErrAcquireInitLock    = errors.New("acquire audit database init lock")
	ErrConfigureDB        = errors.New("configure audit database")
	ErrCreateMigrationTbl = errors.New("create schema_migrations table")
	ErrReadMigrations     = errors.New("read applied migrations")
	ErrApplyMigration     = errors.New("apply migration")
	ErrRecordEvent        = errors.New("record audit event")
	ErrListEvents         = errors.New("list audit events")
	ErrPruneEvents        = errors.New("prune audit events")
	ErrRecorderClosed     = errors.New("audit recorder closed")
)
