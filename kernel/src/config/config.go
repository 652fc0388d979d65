// Package config loads the kernel core's tunables (table sizes, mmap
// base, physical page count, CPU count) from an optional YAML file,
// falling back to spec.md's defaults. Of these, only the physical page
// count and CPU count change a built kernel instance (see Config).
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"defs"
)

/// Config holds the tunables a kernel instance is built with. NProc,
/// MaxMmapArea and MmapBase are recorded for diagnostics and for a
/// config file to assert its expectations against; the tables
/// themselves are sized by the defs.NPROC/defs.MAX_MMAP_AREA compile-time
/// constants (Go array types need a constant length), so only PhysPages
/// and NCPU actually change a built Table_t's behavior.
type Config struct {
	NProc       int `yaml:"nproc"`
	MaxMmapArea int `yaml:"max_mmap_area"`
	MmapBase    int `yaml:"mmap_base"`
	PhysPages   int `yaml:"phys_pages"`
	NCPU        int `yaml:"ncpu"`
}

/// Default returns the configuration matching spec.md's hard-coded
/// constants, with a generously sized physical arena and two simulated
/// CPUs.
func Default() Config {
	return Config{
		NProc:       defs.NPROC,
		MaxMmapArea: defs.MAX_MMAP_AREA,
		MmapBase:    defs.MMAPBASE,
		PhysPages:   4096,
		NCPU:        2,
	}
}

/// Load reads YAML tunables from path, starting from Default() so an
/// omitted field keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
