package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/listsync/internal/realtime"
)

func TestToken_MintsVerifiableToken(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "token", "--user", "alice", "--ttl", "1h")
	claims, err := realtime.ParseToken([]byte(testSecret), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestToken_JSON(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "--format", "json", "token")
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			UserID string `json:"user_id"`
			Token  string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "u1", resp.Data.UserID)
	_, err := realtime.ParseToken([]byte(testSecret), resp.Data.Token)
	assert.NoError(t, err)
}

func TestToken_RequiresSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: u1\ndatabase: "+filepath.Join(dir, "l.db")+"\n"), 0o644))

	_, err := execute(t, "--config", path, "token")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "token_secret")
}

func TestToken_RejectsNonPositiveTTL(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "token", "--ttl", "0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--ttl")
}
