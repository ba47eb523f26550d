package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "cli-test-secret"

// testEnv is a config file pointing at a scratch database.
type testEnv struct {
	dir    string
	db     string
	config string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, testSecret, "")
}

// newTestEnvWith writes a config with the given token secret and extra
// top-level YAML.
func newTestEnvWith(t *testing.T, secret, extra string) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:    dir,
		db:     filepath.Join(dir, "data", "lists.db"),
		config: filepath.Join(dir, "listsync.yaml"),
	}
	body := fmt.Sprintf(`user_id: u1
database: %s
cache_dir: %s
token_secret: "%s"
%s
sync:
  debounce_ms: 10
  background_delay_ms: 5
  poll_ms: 20
`, env.db, filepath.Join(dir, "cache"), secret, extra)
	require.NoError(t, os.WriteFile(env.config, []byte(body), 0o644))
	return env
}

// run executes the root command with --config set and returns stdout.
func (env testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", env.config}, args...)...)
}

func (env testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := env.run(t, args...)
	require.NoError(t, err, "output: %s", out)
	return out
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
