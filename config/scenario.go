package config

import (
	"fmt"
	"strings"
)

// Scenario presets trade part size against the direct-copy ceiling for an
// expected object size distribution.
type Scenario struct {
	Name        string
	PartSize    ByteSize
	DirectLimit ByteSize
}

var scenarios = map[string]Scenario{
	// images, js, css, html; objects up to ~256MiB
	"small": {Name: "small", PartSize: 5 * MiB, DirectLimit: 16 * MiB},
	// archives, audio, short video; up to ~512MiB
	"medium": {Name: "medium", PartSize: 10 * MiB, DirectLimit: 64 * MiB},
	// packages and video up to ~1GiB
	"large": {Name: "large", PartSize: 16 * MiB, DirectLimit: 256 * MiB},
	// anything up to the CDN ceiling
	"huge": {Name: "huge", PartSize: 32 * MiB, DirectLimit: 512 * MiB},
}

const DefaultScenario = "large"

func LookupScenario(name string) (Scenario, error) {
	if name == "" {
		name = DefaultScenario
	}
	s, ok := scenarios[strings.ToLower(name)]
	if !ok {
		return Scenario{}, fmt.Errorf("unknown sizing scenario %q", name)
	}
	return s, nil
}
