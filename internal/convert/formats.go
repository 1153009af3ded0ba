package convert

import (
	"path/filepath"
	"slices"
	"strings"
)

var (
	videoExtensions = []string{".mp4", ".avi", ".mkv", ".webm", ".mov", ".flv", ".wmv", ".m4v"}
	audioExtensions = []string{".mp3", ".wav", ".aac", ".flac", ".m4a", ".ogg"}
)

func IsVideo(path string) bool {
	return slices.Contains(videoExtensions, extension(path))
}

func IsAudio(path string) bool {
	return slices.Contains(audioExtensions, extension(path))
}

// Supported reports whether path has an extension the pipeline accepts.
func Supported(path string) bool {
	return IsVideo(path) || IsAudio(path)
}

// Extensions lists every accepted input extension, video first.
func Extensions() []string {
	return append(slices.Clone(videoExtensions), audioExtensions...)
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
