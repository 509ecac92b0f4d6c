package fusefs

import "time"

type Options struct {
	FsName     string
	AllowOther bool
	Debug      bool
	// DirectMount mounts without the fusermount helper. Requires privileges.
	DirectMount bool
	// Timeout applies to both attribute and entry caching. Zero disables
	// kernel caching so denials and changes are visible immediately.
	Timeout time.Duration
}
