package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayq/internal/api"
	"github.com/busybox42/relayq/internal/dsn"
	"github.com/busybox42/relayq/internal/policy"
	"github.com/busybox42/relayq/internal/queue"
)

const testConfig = `
[server]
hostname = "relay.example.com"

[queue]
dir = "spool"

[policy.default]
retry = ["5m"]
expire = "1d"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, apiURL = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func setupConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relayq.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path, filepath.Join(dir, "spool")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "relayq dev")
}

func TestConfigCheck(t *testing.T) {
	path, _ := setupConfig(t, testConfig)
	out, err := execute(t, "config", "check", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "Hostname: relay.example.com")

	bad, _ := setupConfig(t, "[scheduler]\nworkers = 0\n")
	out, err = execute(t, "config", "check", "-c", bad)
	assert.Error(t, err)
	assert.Contains(t, out, "scheduler.workers")
}

func TestConfigShow(t *testing.T) {
	path, _ := setupConfig(t, testConfig)
	out, err := execute(t, "config", "show", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "hostname = 'relay.example.com'")
	assert.Contains(t, out, "expire = '24h0m0s'")
}

func TestQueueCommands(t *testing.T) {
	path, spool := setupConfig(t, testConfig)

	out, err := execute(t, "queue", "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No messages in queue")

	store, err := queue.NewFileStore(spool)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &queue.Message{
		ID:         "msg-1",
		ReturnPath: "john@test.org",
		CreatedAt:  now,
		Seq:        1,
		Domains: []queue.Domain{{
			Name:       "foobar.org",
			Recipients: []queue.Recipient{{Address: "a@foobar.org", Notify: queue.DefaultNotify, Status: queue.RecipientPending}},
			Status:     queue.DomainRetrying,
			Attempts:   2,
			NextDue:    now.Add(time.Hour),
		}},
	}
	require.NoError(t, store.Save(ctx, msg))
	require.NoError(t, store.SaveBody(ctx, msg.ID, []byte("Subject: hi\r\n\r\nhello\r\n")))

	out, err = execute(t, "queue", "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "msg-1")
	assert.Contains(t, out, "foobar.org")
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "2024-03-01T13:00:00Z")

	out, err = execute(t, "queue", "show", "msg-1", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"return_path": "john@test.org"`)

	out, err = execute(t, "queue", "show", "msg-1", "--raw", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "Subject: hi\r\n\r\nhello\r\n", out)

	out, err = execute(t, "queue", "delete", "msg-1", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Message msg-1 deleted")

	_, err = store.Load(ctx, "msg-1")
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)

	_, err = execute(t, "queue", "delete", "msg-1", "-c", path)
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)
}

func TestSendPauseAndStatus(t *testing.T) {
	store, err := queue.NewFileStore(t.TempDir())
	require.NoError(t, err)
	rules, err := policy.NewRuleSet(nil, &policy.Schedule{Retry: []time.Duration{time.Minute}, Expire: time.Hour})
	require.NoError(t, err)
	s := queue.NewScheduler(queue.Config{}, store, rules, nil, dsn.NewGenerator("relay.test"))
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(api.NewServer("", s, nil).Handler())
	defer srv.Close()

	msgFile := filepath.Join(t.TempDir(), "msg.eml")
	require.NoError(t, os.WriteFile(msgFile, []byte("Subject: hi\r\n\r\nhello\r\n"), 0600))

	out, err := execute(t, "send", "-a", srv.URL, "--from", "john@test.org",
		"--to", "a@foobar.org", "--to", "b@foobar.net", "--notify", "SUCCESS", msgFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Queued as "), out)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"a@foobar.org", "b@foobar.net"}, msgs[0].Recipients())
	assert.Equal(t, queue.NotifySuccess, msgs[0].Domains[0].Recipients[0].Notify)

	_, err = execute(t, "queue", "pause", "maintenance", "-a", srv.URL)
	require.NoError(t, err)

	out, err = execute(t, "status", "-a", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: paused")
	assert.Contains(t, out, "Queued messages: 1 (2 recipients)")
	assert.Contains(t, out, "Paused: maintenance")

	_, err = execute(t, "queue", "resume", "-a", srv.URL)
	require.NoError(t, err)
	paused, _ := s.Paused()
	assert.False(t, paused)
}
