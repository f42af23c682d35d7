/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package runtimeconfig loads the options that drive the engine,
// inspector, and cache layers (heap limits, inspect flags, snapshot
// paths, cache directories). Loading config files and flags themselves is
// the CLI's job (out of core scope per spec.md §1); this package only
// defines the shape those layers hand the core and reads it with viper so
// it can come from a file, environment, or flags uniformly.
package runtimeconfig

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// InspectMode selects how (if at all) the runtime inspector attaches.
type InspectMode string

const (
	InspectOff    InspectMode = ""
	InspectNormal InspectMode = "inspect"
	InspectBrk    InspectMode = "inspect-brk"
)

// EngineConfig configures the embedded engine (C11).
type EngineConfig struct {
	// HeapLimitMB caps isolate heap usage; 0 means engine default.
	HeapLimitMB int64 `mapstructure:"heapLimitMB"`
	// SnapshotLoad points to a startup snapshot to warm-start from.
	SnapshotLoad string `mapstructure:"snapshotLoad"`
	// SnapshotWrite, if set, makes this run a snapshot-creation run;
	// mutually exclusive with SnapshotLoad (§4.11, §5 atomicity).
	SnapshotWrite string `mapstructure:"snapshotWrite"`
	// Inspect selects the debugger attach mode.
	Inspect InspectMode `mapstructure:"inspect"`
	// InspectAddr is the host:port the inspector listens on.
	InspectAddr string `mapstructure:"inspectAddr"`
}

func (c EngineConfig) Validate() error {
	if c.SnapshotLoad != "" && c.SnapshotWrite != "" {
		return fmt.Errorf("runtimeconfig: SnapshotLoad and SnapshotWrite are mutually exclusive")
	}
	switch c.Inspect {
	case InspectOff, InspectNormal, InspectBrk:
	default:
		return fmt.Errorf("runtimeconfig: unknown inspect mode %q", c.Inspect)
	}
	return nil
}

// CacheConfig configures on-disk caches used by the fetcher and emitter.
type CacheConfig struct {
	// Dir is the root cache directory; fetched sources go in its "deps"
	// subdirectory. Transpiled code is cached in memory, not under Dir.
	Dir string `mapstructure:"dir"`
	// AllowUnknownMediaTypes relaxes the otherwise-fatal Unknown media
	// type rejection during graph validation (spec.md §4.3).
	AllowUnknownMediaTypes bool `mapstructure:"allowUnknownMediaTypes"`
}

// Config is the full set of options threaded into the loader, graph
// builder, emitter, and engine at startup.
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Cache  CacheConfig  `mapstructure:"cache"`
	// Lockfile, if set, is the path the graph builder reads/writes (I4).
	Lockfile string `mapstructure:"lockfile"`
}

// Load reads configuration from a viper instance already populated with a
// config file, environment, and flags by the CLI layer. It never reads
// files or flags itself — that stays an external collaborator per
// spec.md §1.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("QUASAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("engine.inspectAddr", "127.0.0.1:9229")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("runtimeconfig: unmarshal: %w", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultCacheDir follows the XDG base directory spec, the same
// adrg/xdg lookup the teacher uses for its own cache and config paths.
func defaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "quasar")
}
