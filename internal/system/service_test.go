package system

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/testutil"
)

func TestSystemdCommands(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"systemctl is-active sing-box": {Output: "active\n"},
		"systemctl is-active caddy":    {Output: "inactive\n", Err: errors.New("exit status 3")},
	}}
	logger, _ := test.NewNullLogger()
	s := &Systemd{Runner: runner, Log: logger}
	ctx := context.Background()

	assert.True(t, s.IsActive(ctx, "sing-box"))
	assert.False(t, s.IsActive(ctx, "caddy"))
	require.NoError(t, s.Start(ctx, "sing-box"))
	require.NoError(t, s.Restart(ctx, "sing-box"))
	require.NoError(t, s.Reload(ctx, "caddy"))
	require.NoError(t, s.Stop(ctx, "caddy"))

	assert.Equal(t, []string{
		"systemctl is-active sing-box",
		"systemctl is-active caddy",
		"systemctl enable --now sing-box",
		"systemctl restart sing-box",
		"systemctl reload-or-restart caddy",
		"systemctl disable --now caddy",
	}, runner.Calls())
}

func TestSystemdErrorWrapsCommand(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"systemctl restart": {Err: &CommandError{Command: "systemctl restart x", Output: "Unit x.service not found.", Err: errors.New("exit status 5")}},
	}}
	s := NewSystemd(runner)

	err := s.Restart(context.Background(), "x")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, err.Error(), "Unit x.service not found.")
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo hello; echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, string(out), "hello")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Output, "oops")
}
