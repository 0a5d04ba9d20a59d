package executor

import (
	"io"
	"os"
)

// readAllLimited reads path in full, or at most maxBytes if maxBytes is
// positive (spec §4.G, "RequestFileContents").
func readAllLimited(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if maxBytes <= 0 {
		return io.ReadAll(f)
	}
	return io.ReadAll(io.LimitReader(f, maxBytes))
}
