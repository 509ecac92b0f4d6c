// Package audit persists filesystem hook events to sqlite so that denied and
// permitted operations can be inspected after the fact.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// timeLayout is fixed width so created_at sorts and compares as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one recorded filesystem operation.
type Event struct {
	ID       int64
	Time     time.Time
	Session  string
	Op       vfs.HookOp
	Path     string
	NewPath  string
	Errno    syscall.Errno
	Error    string
	Bytes    uint64
	Size     *uint64
	FileType vfs.FileType
}

// Denied reports whether the operation was refused for lack of permission.
func (e Event) Denied() bool {
	return e.Errno == syscall.EPERM || e.Errno == syscall.EACCES || e.Errno == syscall.EROFS
}

// EventFromHook converts a hook notification into an Event stamped with now.
func EventFromHook(req vfs.HookRequest, result vfs.HookResult, now time.Time) Event {
	ev := Event{
		Time:    now,
		Session: req.Session,
		Op:      req.Op,
		Path:    req.Path,
		NewPath: req.NewPath,
		Bytes:   result.Bytes,
	}
	if result.Err != nil {
		ev.Error = result.Err.Error()
		var errno syscall.Errno
		if errors.As(result.Err, &errno) {
			ev.Errno = errno
		} else {
			ev.Errno = syscall.EIO
		}
	}
	if result.Meta != nil {
		size := result.Meta.Size
		ev.Size = &size
		ev.FileType = result.Meta.FileType
	}
	return ev
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Session    string
	Op         vfs.HookOp
	PathPrefix string
	DeniedOnly bool
	Since      time.Time
	Limit      int
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the audit database at path and brings its schema up
// to date.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, ev Event) (int64, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	var size sql.NullInt64
	var fileType string
	if ev.Size != nil {
		size = sql.NullInt64{Int64: int64(*ev.Size), Valid: true}
		fileType = ev.FileType.String()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO events(session, op, path, new_path, errno, error, bytes, size, file_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Session,
		string(ev.Op),
		ev.Path,
		ev.NewPath,
		int64(ev.Errno),
		ev.Error,
		int64(ev.Bytes),
		size,
		fileType,
		ev.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, errx.Wrap(ErrRecordEvent, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errx.Wrap(ErrRecordEvent, err)
	}
	return id, nil
}

// List returns matching events oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	var where []string
	var args []any
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if f.Op != "" {
		where = append(where, "op = ?")
		args = append(args, string(f.Op))
	}
	if f.PathPrefix != "" {
		where = append(where, "substr(path, 1, ?) = ?")
		args = append(args, len(f.PathPrefix), f.PathPrefix)
	}
	if f.DeniedOnly {
		where = append(where, "errno IN (?, ?, ?)")
		args = append(args, int64(syscall.EPERM), int64(syscall.EACCES), int64(syscall.EROFS))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, session, op, path, new_path, errno, error, bytes, size, file_type, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errx.Wrap(ErrListEvents, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			op        string
			errno     int64
			bytes     int64
			size      sql.NullInt64
			fileType  string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.Session, &op, &ev.Path, &ev.NewPath, &errno, &ev.Error, &bytes, &size, &fileType, &createdAt); err != nil {
			return nil, errx.Wrap(ErrListEvents, err)
		}
		ev.Op = vfs.HookOp(op)
		ev.Errno = syscall.Errno(errno)
		ev.Bytes = uint64(bytes)
		if size.Valid {
			sz := uint64(size.Int64)
			ev.Size = &sz
			ev.FileType = parseFileType(fileType)
		}
		if ev.Time, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, errx.Wrap(ErrListEvents, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrListEvents, err)
	}
	return events, nil
}

// Prune deletes events recorded before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, errx.Wrap(ErrPruneEvents, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(ErrPruneEvents, err)
	}
	return n, nil
}

func parseFileType(s string) vfs.FileType {
	for t := vfs.FileTypeUnknown; t <= vfs.FileTypePipe; t++ {
		if t.String() == s {
			return t
		}
	}
	return vfs.FileTypeUnknown
}
