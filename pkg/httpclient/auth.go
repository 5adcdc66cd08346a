package httpclient

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadAuthKey reads the single-line credentials file at path and returns
// its contents as the auth_key. If path is empty or the file cannot be
// read, it falls back to an interactive stdin prompt (acceptable only in
// foreground usage, per the orchestrator's external-interface contract).
func ReadAuthKey(path string) (string, error) {
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			if scanner.Scan() {
				return strings.TrimSpace(scanner.Text()), nil
			}
		}
	}

	fmt.Print("Enter auth key: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read auth key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
