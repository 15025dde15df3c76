//go:build !darwin && !linux

package storage

// Detection is unavailable here; treat every path as local.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
