package api

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/jingkaihe/capfs/internal/errx"
)

// GuestEnv is the environment a WASI guest starts with. The host
// environment is never inherited wholesale.
type GuestEnv map[string]string

// ParseEnvVar parses an environment variable in Docker-style format:
// "KEY=VALUE" (inline value) or "KEY" (copied from the host environment).
func ParseEnvVar(spec string) (string, string, error) {
	name, value, inline := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if err := validateEnvName(name); err != nil {
		return "", "", err
	}
	if inline {
		return name, value, nil
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", "", errx.With(ErrEnvVarNotSet, " $%s", name)
	}
	return name, v, nil
}

// Set adds one "KEY=VALUE" or "KEY" spec, replacing any earlier value.
func (e GuestEnv) Set(spec string) error {
	name, value, err := ParseEnvVar(spec)
	if err != nil {
		return err
	}
	e[name] = value
	return nil
}

// LoadFile adds every variable of an env file. Blank lines and lines
// starting with '#' are skipped.
func (e GuestEnv) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errx.Wrap(ErrReadEnvFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := e.Set(line); err != nil {
			return errx.With(ErrEnvFileLine, " %s:%d: %v", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return errx.Wrap(ErrReadEnvFile, err)
	}
	return nil
}

// Pairs returns the variables as sorted KEY=VALUE strings.
func (e GuestEnv) Pairs() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ParseGuestEnv builds a guest environment from env files and explicit
// specs. Files apply first in order, then specs in order, so a spec wins
// over any file.
func ParseGuestEnv(specs []string, files []string) (GuestEnv, error) {
	if len(specs) == 0 && len(files) == 0 {
		return nil, nil
	}

	env := make(GuestEnv)
	for _, path := range files {
		if err := env.LoadFile(path); err != nil {
			return nil, err
		}
	}
	for _, spec := range specs {
		if err := env.Set(spec); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func validateEnvName(name string) error {
	if name == "" {
		return ErrEnvNameEmpty
	}
	if strings.ContainsAny(name, "=\x00") {
		return errx.With(ErrEnvNameInvalid, " %q", name)
	}
	return nil
}
