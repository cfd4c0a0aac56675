package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// TestConvertsYAMLSeedToJSON builds the filebridgectl binary and runs it
// against a small YAML seed, checking the JSON it writes matches the
// seed's field values. Skipped when the go toolchain is unavailable.
func TestConvertsYAMLSeedToJSON(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.yaml")
	outPath := filepath.Join(dir, "config.json")

	seed := `
apps:
  - Name: p1
    WatchDirectory: /data/in
    ExecutablePath: /usr/bin/process
    Arguments: "{FilePath}"
`
	if err := os.WriteFile(seedPath, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cmd := exec.Command("go", "run", ".", "-in", seedPath, "-out", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("run filebridgectl: %v\n%s", err, out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	var got struct {
		Apps []struct {
			Name           string
			WatchDirectory string
			ExecutablePath string
		}
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(got.Apps) != 1 || got.Apps[0].Name != "p1" {
		t.Fatalf("got %+v", got)
	}
}
