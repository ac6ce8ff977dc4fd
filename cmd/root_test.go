package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/app"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
)

type fakeRunner struct {
	roles    []app.Role
	swept    int
	runErr   error
	closed   bool
	cfg      config.Config
	sweepErr error
}

func (f *fakeRunner) Run(_ context.Context, role app.Role) error {
	f.roles = append(f.roles, role)
	return f.runErr
}

func (f *fakeRunner) SweepOnce(context.Context) (int, error) {
	f.swept++
	return 3, f.sweepErr
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

// useFakeApp swaps the application factory for the duration of the test.
func useFakeApp(t *testing.T, runner *fakeRunner) {
	t.Helper()
	original := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		runner.cfg = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = original })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandsSelectRoles(t *testing.T) {
	cases := map[string]app.Role{
		"serve":  app.RoleAPI,
		"worker": app.RoleWorker,
		"all":    app.RoleAll,
	}
	for use, role := range cases {
		t.Run(use, func(t *testing.T) {
			runner := &fakeRunner{}
			useFakeApp(t, runner)

			_, err := execute(t, use)
			require.NoError(t, err)
			assert.Equal(t, []app.Role{role}, runner.roles)
			assert.True(t, runner.closed)
		})
	}
}

func TestRunErrorStillCloses(t *testing.T) {
	runner := &fakeRunner{runErr: errors.New("listen: address in use")}
	useFakeApp(t, runner)

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
	require.True(t, runner.closed)
}

func TestSweepCommand(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	require.Equal(t, 1, runner.swept)
	require.Contains(t, out, "republished 3 pending jobs")
}

func TestConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	_, err := execute(t, "--config", path, "worker")
	require.NoError(t, err)
	require.Equal(t, 9191, runner.cfg.Server.Port)
}

func TestMissingConfigFails(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "all")
	require.ErrorContains(t, err, "load config")
	require.Empty(t, runner.roles)
}

func TestFactoryErrorSurfaces(t *testing.T) {
	original := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (Runner, error) {
		return nil, errors.New("broker down")
	}
	t.Cleanup(func() { newApp = original })

	_, err := execute(t, "worker")
	require.ErrorContains(t, err, "broker down")
}
