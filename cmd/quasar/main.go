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

// Command quasar is the CLI entry point wiring the core's components
// (specifier resolution, fetch, parse, graph build, emit, loader, engine,
// inspector) into a single "run a program" path, grounded
// on the teacher's cobra/viper root command (cmd/root.go) but scoped to
// the runtime rather than manifest generation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quasar.dev/core/emit"
	"quasar.dev/core/engine"
	"quasar.dev/core/fetch"
	"quasar.dev/core/graph"
	"quasar.dev/core/inspector"
	"quasar.dev/core/internal/logging"
	"quasar.dev/core/loader"
	"quasar.dev/core/runtimeconfig"
	"quasar.dev/core/specifier"
)

var rootCmd = &cobra.Command{
	Use:   "quasar",
	Short: "Run JavaScript and TypeScript programs",
	Long:  `Resolves, fetches, transpiles and executes JS/TS module graphs on an embedded engine.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default is $CWD/.config/quasar.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <specifier>",
	Short: "Build the module graph rooted at specifier and execute it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var (
	flagInspect     string
	flagInspectAddr string
	flagTarget      string
	flagAllowNet    bool
	flagAllowRead   bool
	flagLockfile    string
)

func init() {
	runCmd.Flags().StringVar(&flagInspect, "inspect", "", `attach the inspector: "", "inspect", or "inspect-brk"`)
	runCmd.Flags().StringVar(&flagInspectAddr, "inspect-addr", "127.0.0.1:9229", "inspector listen address")
	runCmd.Flags().StringVar(&flagTarget, "target", "es2022", "transpile target (es2015|es2018|es2020|es2022|esnext)")
	runCmd.Flags().BoolVar(&flagAllowNet, "allow-net", true, "allow fetching http(s)/jsr/npm specifiers")
	runCmd.Flags().BoolVar(&flagAllowRead, "allow-read", true, "allow reading file: specifiers")
	runCmd.Flags().StringVar(&flagLockfile, "lock", "", "path to a lockfile to read/write (default: none)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		pterm.EnableDebugMessages()
	}

	v := viper.New()
	cfg, err := runtimeconfig.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagInspect != "" {
		cfg.Engine.Inspect = runtimeconfig.InspectMode(flagInspect)
	}
	cfg.Engine.InspectAddr = flagInspectAddr
	if err := cfg.Engine.Validate(); err != nil {
		return err
	}
	if flagLockfile != "" {
		cfg.Lockfile = flagLockfile
	}

	root, err := specifierFromArg(args[0])
	if err != nil {
		return err
	}

	resolver := &specifier.Resolver{Packages: specifier.DefaultPackageResolver{}}
	fetcher := fetch.New(filepath.Join(cfg.Cache.Dir, "deps"), fetch.Permissions{AllowNet: flagAllowNet, AllowRead: flagAllowRead})
	builder := graph.NewBuilder(fetcher, resolver)
	if cfg.Lockfile != "" {
		if data, err := os.ReadFile(cfg.Lockfile); err == nil {
			builder.LockfileJSON = data
		}
	}
	emitter := emit.NewEmitter(64 << 20) // 64MiB in-memory emit cache ceiling
	ld := loader.New(builder, emitter, emit.Target(flagTarget))
	ld.LockfilePath = cfg.Lockfile

	ctx := context.Background()
	if err := ld.PrepareLoad(ctx, []string{root}, false); err != nil {
		return fmt.Errorf("preparing module graph: %w", err)
	}

	rt := engine.New(engine.DefaultOptions())
	defer rt.Dispose()

	if cfg.Engine.Inspect != runtimeconfig.InspectOff {
		gate := inspector.NewGate()
		mux := http.NewServeMux()
		mux.HandleFunc("/inspector", func(w http.ResponseWriter, r *http.Request) {
			sess, err := inspector.Upgrade(w, r, inspector.RoutingFlattened)
			if err != nil {
				logging.Global().Warn("inspector upgrade failed: %v", err)
				return
			}
			gate.Arrive(sess)
			if err := sess.Serve(); err != nil {
				logging.SafeDebug("inspector: session closed: %v", err)
			}
		})
		srv := &http.Server{Addr: cfg.Engine.InspectAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Global().Warn("inspector server: %v", err)
			}
		}()
		defer srv.Close()
		defer gate.Close()
		logging.Global().Info("inspector listening on %s (%s)", cfg.Engine.InspectAddr, cfg.Engine.Inspect)

		if cfg.Engine.Inspect == runtimeconfig.InspectBrk {
			// wait_for_session (spec.md §4.8): --inspect-brk blocks here
			// until a DevTools front end actually attaches; no pause on
			// the first statement is scheduled.
			if _, err := gate.WaitForSession(ctx); err != nil {
				return fmt.Errorf("waiting for inspector session: %w", err)
			}
		}
	}

	loaded, err := ld.Load(root)
	if err != nil {
		return fmt.Errorf("loading %s: %w", root, err)
	}

	if _, err := rt.RunScript(string(loaded.Code), root); err != nil {
		return fmt.Errorf("running %s: %w", root, err)
	}

	for {
		more, err := rt.PollEventLoop()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	return nil
}

// specifierFromArg treats a bare path as a local file root the way the
// engine's CLI front-door does, leaving URL-looking arguments untouched.
func specifierFromArg(raw string) (string, error) {
	if _, ok := specifier.SchemeOf(raw); ok {
		return raw, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
