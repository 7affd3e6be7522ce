package lakeshoretest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// ConfigYAML returns an instrument configuration pointing at s: inputs A
// ("sampleA", curve 21) and B ("sampleB", curve 22) enabled with a 320 K
// limit, and heater 1 active at 50 Ω, 0.5 A, controlled by input A.
func (s *Server) ConfigYAML() string {
	return fmt.Sprintf(`connection:
  host: %s
  port: %d
  timeout: 0.5
inputs:
  A:
    label: sampleA
    curve: 21
    temp_limit: 320
  B:
    label: sampleB
    curve: 22
    temp_limit: 320
heaters:
  1:
    active: true
    resistance: 50
    max_current: 0.5
    control_input: A
`, s.Host(), s.Port())
}

// WriteConfig writes ConfigYAML to a temporary file and returns its path.
func (s *Server) WriteConfig(t testing.TB) string {
	t.Helper()
	return WriteFile(t, "instrument.yaml", s.ConfigYAML())
}

// WriteFile writes content to name inside a temporary directory and returns the path.
func WriteFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("lakeshoretest: writing %s: %v", name, err)
	}
	return path
}
