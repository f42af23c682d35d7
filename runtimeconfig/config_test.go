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

package runtimeconfig

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Dir == "" {
		t.Fatalf("expected a non-empty default cache dir")
	}
	if cfg.Engine.InspectAddr != "127.0.0.1:9229" {
		t.Fatalf("unexpected default inspect addr: %q", cfg.Engine.InspectAddr)
	}
	if cfg.Engine.Inspect != InspectOff {
		t.Fatalf("expected inspect off by default, got %q", cfg.Engine.Inspect)
	}
}

func TestEngineConfigValidateRejectsConflictingSnapshots(t *testing.T) {
	c := EngineConfig{SnapshotLoad: "a.snap", SnapshotWrite: "b.snap"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for mutually exclusive snapshot options")
	}
}

func TestEngineConfigValidateRejectsUnknownInspectMode(t *testing.T) {
	c := EngineConfig{Inspect: InspectMode("bogus")}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown inspect mode")
	}
}

func TestEngineConfigValidateAcceptsKnownModes(t *testing.T) {
	for _, mode := range []InspectMode{InspectOff, InspectNormal, InspectBrk} {
		if err := (EngineConfig{Inspect: mode}).Validate(); err != nil {
			t.Fatalf("mode %q: unexpected error: %v", mode, err)
		}
	}
}

func TestLoadFailsValidationWhenViperSetsConflictingSnapshots(t *testing.T) {
	v := viper.New()
	v.Set("engine.snapshotLoad", "a.snap")
	v.Set("engine.snapshotWrite", "b.snap")
	if _, err := Load(v); err == nil {
		t.Fatalf("expected Load to surface EngineConfig.Validate's error")
	}
}
