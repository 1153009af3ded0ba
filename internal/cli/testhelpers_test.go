package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/vidtranscribe/internal/audio/audiotest"
	"github.com/stretchr/testify/require"
)

// runCommand executes the root command against a config file in a fresh
// temp dir so the user's own settings never leak into a test.
func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runCommandWithConfig(t, filepath.Join(t.TempDir(), "config.yaml"), args)
}

func runCommandWithConfig(t *testing.T, configPath string, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetContext(context.Background())
	cmd.SetArgs(append([]string{"--config", configPath}, args...))

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeWhisperStub writes a whisper-cli stand-in that prints body's segment
// lines and a model file it can be pointed at.
func writeWhisperStub(t *testing.T, body string) (binary string, modelPath string) {
	t.Helper()

	dir := t.TempDir()
	binary = filepath.Join(dir, "whisper-cli")
	script := "#!/bin/sh\necho 'whisper_full_with_state: progress =  50%' >&2\n" + body
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))

	modelPath = filepath.Join(dir, "ggml-test.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("weights"), 0o644))
	return binary, modelPath
}

func writeToneInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	audiotest.WriteTone(t, path, 2)
	return path
}
