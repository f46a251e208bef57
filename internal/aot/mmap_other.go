//go:build !linux

package aot

import "os"

// mapImage reads the whole file. The code is not executable on these
// platforms.
func mapImage(path string) ([]byte, func() error, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false, err
	}
	return data, func() error { return nil }, false, nil
}
