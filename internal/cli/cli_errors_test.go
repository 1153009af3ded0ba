package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCLIErrorCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		args        []string
		errContains string
	}{
		{name: "unknown command", args: []string{"badcmd"}, errContains: "unknown command"},
		{name: "unknown root flag", args: []string{"--badflag"}, errContains: "unknown flag"},
		{name: "unknown subcommand flag", args: []string{"transcribe", "--bogus", "f.mp4"}, errContains: "unknown flag"},
		{name: "transcribe missing arg", args: []string{"transcribe"}, errContains: "accepts 1 arg(s)"},
		{name: "transcribe too many args", args: []string{"transcribe", "a.mp4", "b.mp4"}, errContains: "accepts 1 arg(s)"},
		{name: "transcribe nonexistent file", args: []string{"transcribe", "--no-progress", "/no/such/file.mp4"}, errContains: "input file not found"},
		{name: "bad format", args: []string{"transcribe", "--format", "docx", "/no/such/file.mp4"}, errContains: "unsupported output format"},
		{name: "bad device", args: []string{"transcribe", "--device", "tpu", "/no/such/file.mp4"}, errContains: "unsupported device"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := runCommand(t, tt.args)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestTranscribeRejectsUnsupportedExtension(t *testing.T) {
	t.Parallel()

	input := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(input, []byte("%PDF"), 0o644))

	_, _, err := runCommand(t, []string{"transcribe", "--no-progress", input})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid settings")
	require.Contains(t, err.Error(), "unsupported file type")
}

func TestSetupRejectsNonexistentCustomModelPath(t *testing.T) {
	t.Parallel()

	_, _, err := runCommand(t, []string{"setup", "--model-dir", t.TempDir(), "--model", "/no/such/path/model.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "custom model path does not exist")
}

func TestSetupRejectsUnknownQuantization(t *testing.T) {
	t.Parallel()

	_, _, err := runCommand(t, []string{"setup", "--model-dir", t.TempDir(), "--model", "tiny", "--quantization", "int2"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "has no int2 weights")
}

func TestMalformedConfigFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))

	_, _, err := runCommandWithConfig(t, path, []string{"models"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse")
}

func TestVersionFlagOutput(t *testing.T) {
	t.Parallel()

	stdout, _, err := runCommand(t, []string{"--version"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "vidtranscribe v"), "expected version prefix, got: %s", stdout)
}

func TestVersionCommandJSON(t *testing.T) {
	t.Parallel()

	stdout, _, err := runCommand(t, []string{"version", "--output-json"})
	require.NoError(t, err)
	require.Contains(t, stdout, `"version":`)
	require.Contains(t, stdout, `"commit":`)
}

func TestSetupCheckDoesNotDownload(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	_, _, err := runCommand(t, []string{"setup", "--check", "--model-dir", modelDir, "--model", "tiny"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model tiny (float16) is not installed")

	corrupt := filepath.Join(modelDir, "ggml-tiny.bin")
	require.NoError(t, os.WriteFile(corrupt, []byte("not really weights"), 0o644))
	_, _, err = runCommand(t, []string{"setup", "--check", "--model-dir", modelDir, "--model", "tiny"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed verification")

	stdout, _, err := runCommand(t, []string{"setup", "--check", "--model-dir", modelDir, "--model", "tiny", "--quantization", "q5_1"})
	require.Error(t, err)
	require.Empty(t, stdout)

	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "ggml-tiny-q5_1.bin"), []byte("unverified"), 0o644))
	stdout, _, err = runCommand(t, []string{"setup", "--check", "--model-dir", modelDir, "--model", "tiny", "--quantization", "q5_1"})
	require.NoError(t, err)
	require.Contains(t, stdout, "Model tiny (q5_1) already present at")
}
