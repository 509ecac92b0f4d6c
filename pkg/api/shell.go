package api

import (
	shellquote "github.com/kballard/go-shellquote"

	"github.com/jingkaihe/capfs/internal/errx"
)

// ShellQuoteArgs joins guest arguments into a single shell-safe string
// using POSIX shell quoting rules.
func ShellQuoteArgs(args []string) string {
	return shellquote.Join(args...)
}

// SplitArgs splits a command line the way a POSIX shell would, without
// expanding variables. It is the inverse of ShellQuoteArgs.
func SplitArgs(line string) ([]string, error) {
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, errx.Wrap(ErrParseArgs, err)
	}
	return args, nil
}
