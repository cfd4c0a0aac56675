// Command filebridgectl is the profile-provisioning companion to
// filebridged. Operators hand-author a YAML seed file describing watch
// profiles; filebridgectl converts it to the canonical JSON Apps document
// the daemon actually consumes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/filebridge/engine/internal/config"
	"github.com/filebridge/engine/internal/core"
)

// seedDocument is the YAML shape operators author by hand. Field names
// match core.WatchProfile's JSON tags so the conversion is a straight
// unmarshal/marshal round-trip.
type seedDocument struct {
	Apps []core.WatchProfile `yaml:"apps"`
}

func main() {
	in := flag.String("in", "", "path to the YAML profile seed file")
	out := flag.String("out", "", "path to write the converted JSON config (defaults to stdout)")
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "filebridgectl: -in is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filebridgectl: read seed file: %v\n", err)
		os.Exit(1)
	}

	var seed seedDocument
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		fmt.Fprintf(os.Stderr, "filebridgectl: parse YAML: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{Apps: seed.Apps}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "filebridgectl: marshal JSON: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "filebridgectl: write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "filebridgectl: wrote %s\n", *out)
}
