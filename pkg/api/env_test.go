package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvVar(t *testing.T) {
	t.Setenv("FROM_HOST", "host-value")

	tests := []struct {
		spec      string
		wantName  string
		wantValue string
	}{
		{spec: "FOO=bar", wantName: "FOO", wantValue: "bar"},
		{spec: "EMPTY=", wantName: "EMPTY", wantValue: ""},
		{spec: "TOKEN=a=b=c", wantName: "TOKEN", wantValue: "a=b=c"},
		{spec: " SPACED =x", wantName: "SPACED", wantValue: "x"},
		{spec: "FROM_HOST", wantName: "FROM_HOST", wantValue: "host-value"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, value, err := ParseEnvVar(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestParseEnvVarErrors(t *testing.T) {
	const key = "CAPFS_TEST_ENV_NOT_SET_123"
	_ = os.Unsetenv(key)

	_, _, err := ParseEnvVar(key)
	require.ErrorIs(t, err, ErrEnvVarNotSet)

	_, _, err = ParseEnvVar("=value")
	require.ErrorIs(t, err, ErrEnvNameEmpty)

	_, _, err = ParseEnvVar("BAD\x00NAME=1")
	require.ErrorIs(t, err, ErrEnvNameInvalid)
}

func TestGuestEnvLoadFileIgnoresComments(t *testing.T) {
	t.Setenv("FROM_HOST_FILE", "from-host")

	path := filepath.Join(t.TempDir(), "guest.env")
	content := "# comment\n\nFOO=bar\nFROM_HOST_FILE\nQUX=quux\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	env := GuestEnv{}
	require.NoError(t, env.LoadFile(path))

	assert.Equal(t, GuestEnv{"FOO": "bar", "FROM_HOST_FILE": "from-host", "QUX": "quux"}, env)
	assert.Equal(t, []string{"FOO=bar", "FROM_HOST_FILE=from-host", "QUX=quux"}, env.Pairs())
}

func TestGuestEnvLoadFileReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(path, []byte("GOOD=1\n=bad\n"), 0644))

	err := GuestEnv{}.LoadFile(path)
	require.ErrorIs(t, err, ErrEnvFileLine)
	assert.Contains(t, err.Error(), ":2:")

	err = GuestEnv{}.LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorIs(t, err, ErrReadEnvFile)
}

func TestParseGuestEnvPrecedence(t *testing.T) {
	t.Setenv("HOST_ONLY", "host-value")

	dir := t.TempDir()
	file1 := filepath.Join(dir, "one.env")
	file2 := filepath.Join(dir, "two.env")
	require.NoError(t, os.WriteFile(file1, []byte("A=1\nB=from-file1\n"), 0644))
	require.NoError(t, os.WriteFile(file2, []byte("B=from-file2\nC=3\n"), 0644))

	env, err := ParseGuestEnv(
		[]string{"C=from-flag", "D=4", "HOST_ONLY"},
		[]string{file1, file2},
	)
	require.NoError(t, err)

	assert.Equal(t, GuestEnv{
		"A":         "1",
		"B":         "from-file2",
		"C":         "from-flag",
		"D":         "4",
		"HOST_ONLY": "host-value",
	}, env)
}

func TestParseGuestEnvNoInputReturnsNil(t *testing.T) {
	env, err := ParseGuestEnv(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}
