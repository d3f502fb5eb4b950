package container

import (
	"bufio"
	"os"

	"github.com/deeployd/forge/internal/forgeerrors"
)

// tailFile returns the last n lines of path, or an empty string if the
// file does not exist yet (a container that hasn't logged anything).
func tailFile(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", forgeerrors.Wrap(forgeerrors.Internal, "read container log", err)
	}
	defer f.Close()

	if n <= 0 {
		n = 100
	}
	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out, nil
}
