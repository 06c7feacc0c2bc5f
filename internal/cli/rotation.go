package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rotation manages the per-trace output file.
type rotation struct {
	pathBuilder    func(traceID string) (string, error)
	outputFile     *os.File
	bufferedWriter *bufio.Writer
}

func newRotation(pb func(string) (string, error)) *rotation {
	return &rotation{pathBuilder: pb}
}

// outputPathBuilder expands {trace} in pattern and creates the parent directory
func outputPathBuilder(pattern string) func(string) (string, error) {
	return func(traceID string) (string, error) {
		path := strings.ReplaceAll(pattern, "{trace}", traceID)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
		}
		return path, nil
	}
}

func (r *rotation) Open(traceID string) (writer *bufio.Writer, path string, err error) {
	if r.pathBuilder == nil {
		return nil, "", nil
	}

	r.Close()

	path, err = r.pathBuilder(traceID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build path: %w", err)
	}

	r.outputFile, err = os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output file: %w", err)
	}
	r.bufferedWriter = bufio.NewWriter(r.outputFile)
	return r.bufferedWriter, path, nil
}

func (r *rotation) Close() {
	if r.bufferedWriter != nil {
		r.bufferedWriter.Flush()
		r.bufferedWriter = nil
	}
	if r.outputFile != nil {
		r.outputFile.Close()
		r.outputFile = nil
	}
}
