package cmd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/catalog"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/ipc"
)

// executeCommand runs a cobra command with the given args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err = root.ExecuteC()
	return buf.String(), err
}

// resetFlags restores every flag to its default; cobra keeps values and the
// changed state between executions of the same command tree.
func resetFlags() {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(reset)
		c.PersistentFlags().VisitAll(reset)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

type cliEnv struct {
	dataDir string
	root    string
	outDir  string
}

// newCLIEnv isolates config, data and runtime directories. The runtime
// directory is short because unix socket paths are length-limited.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	resetFlags()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("ORCAI_DATA_DIR", filepath.Join(home, "data"))
	t.Setenv("ORCAI_DEBUG", "")
	chdir(t, t.TempDir())

	runDir, err := os.MkdirTemp("", "orcai-cli-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(runDir) })
	t.Setenv("ORCAI_RUNTIME_DIR", runDir)

	cfgDir := filepath.Join(home, ".config", "orcai")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	yml := "debounce: 50ms\nhistory_fallback: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(yml), 0o644))

	origEnsure := ensureDaemon
	ensureDaemon = func(ctx context.Context) (*daemon.Client, error) {
		c, err := daemon.NewClient()
		if err != nil {
			return nil, err
		}
		if _, err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	t.Cleanup(func() { ensureDaemon = origEnsure })

	return &cliEnv{
		dataDir: filepath.Join(home, "data"),
		root:    t.TempDir(),
		outDir:  t.TempDir(),
	}
}

// serveDaemon runs a daemon in this process on the runtime socket.
func (e *cliEnv) serveDaemon(t *testing.T) *daemon.Client {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(e.dataDir, catalog.FileName))
	require.NoError(t, err)

	conf := config.Defaults()
	conf.Debounce = 50 * time.Millisecond
	svc, err := capture.NewService(capture.Options{DataDir: e.dataDir, Config: conf, Shell: "zsh", Catalog: cat})
	require.NoError(t, err)

	sockPath, err := ipc.SocketPath()
	require.NoError(t, err)
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		daemon.New(svc, nil, time.Minute).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		cat.Close()
	})
	return daemon.Dial(sockPath)
}

func writeText(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
