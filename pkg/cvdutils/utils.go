package cvdutils

import "os"

// FileExists reports whether path exists (following symlinks). It never
// returns an error: callers that care about the distinction between
// "does not exist" and "stat failed for another reason" should call
// os.Stat directly.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFile writes data to path, truncating or creating it as needed.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	return os.WriteFile(path, data, mode)
}

// GetFileContents returns the contents of path as a string.
func GetFileContents(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
