package platform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDirsFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		goos      string
		home      string
		env       map[string]string
		models    string
		config    string
		logFile   string
		expectErr bool
	}{
		{
			name:    "linux xdg",
			goos:    "linux",
			home:    "/home/dev",
			env:     map[string]string{"XDG_DATA_HOME": "/tmp/xdg-data", "XDG_CONFIG_HOME": "/tmp/xdg-config"},
			models:  "/tmp/xdg-data/vidtranscribe/models",
			config:  "/tmp/xdg-config/vidtranscribe/config.yaml",
			logFile: "/tmp/xdg-data/vidtranscribe/logs/vidtranscribe.log",
		},
		{
			name:    "linux defaults",
			goos:    "linux",
			home:    "/home/dev",
			models:  "/home/dev/.local/share/vidtranscribe/models",
			config:  "/home/dev/.config/vidtranscribe/config.yaml",
			logFile: "/home/dev/.local/share/vidtranscribe/logs/vidtranscribe.log",
		},
		{
			name:    "macos",
			goos:    "darwin",
			home:    "/Users/dev",
			models:  "/Users/dev/Library/Application Support/vidtranscribe/models",
			config:  "/Users/dev/Library/Application Support/vidtranscribe/config.yaml",
			logFile: "/Users/dev/Library/Application Support/vidtranscribe/logs/vidtranscribe.log",
		},
		{
			name:    "windows without env",
			goos:    "windows",
			home:    "/Users/dev",
			models:  "/Users/dev/AppData/Local/vidtranscribe/models",
			config:  "/Users/dev/AppData/Roaming/vidtranscribe/config.yaml",
			logFile: "/Users/dev/AppData/Local/vidtranscribe/logs/vidtranscribe.log",
		},
		{name: "empty home", goos: "linux", expectErr: true},
		{name: "unsupported", goos: "plan9", home: "/usr/dev", expectErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dirs, err := DirsFor(tc.goos, tc.home, envMap(tc.env))
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, filepath.FromSlash(tc.models), dirs.ModelDir())
			require.Equal(t, filepath.FromSlash(tc.config), dirs.ConfigFile())
			require.Equal(t, filepath.FromSlash(tc.logFile), dirs.LogFile())
		})
	}
}

func TestResolveOverridesAreCleaned(t *testing.T) {
	t.Parallel()

	dir, err := ResolveModelDir("/tmp/models/../weights/")
	require.NoError(t, err)
	require.Equal(t, "/tmp/weights", dir)

	path, err := ResolveConfigFile("./conf//vt.yaml")
	require.NoError(t, err)
	require.Equal(t, "conf/vt.yaml", path)
}
