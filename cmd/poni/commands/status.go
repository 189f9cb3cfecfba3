package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/audit"
	"github.com/poni-dev/poni/internal/enforcement"
	"github.com/poni-dev/poni/internal/lifecycle"
	"github.com/poni-dev/poni/internal/metrics"
	"github.com/poni-dev/poni/internal/version"
)

const recentActivity = 10

type statusReport struct {
	Version     string                   `yaml:"version"`
	Root        string                   `yaml:"root"`
	Config      string                   `yaml:"config"`
	Providers   []providerStatus         `yaml:"providers"`
	Enforcement enforcementStatus        `yaml:"enforcement"`
	Lifecycle   lifecycleStatus          `yaml:"lifecycle"`
	Metrics     *metrics.RuntimeSnapshot `yaml:"metrics,omitempty"`
	Activity    []audit.Event            `yaml:"recent_activity,omitempty"`
}

type providerStatus struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type enforcementStatus struct {
	Enabled     bool                     `yaml:"enabled"`
	Rules       int                      `yaml:"rules"`
	GitHooks    map[string]bool          `yaml:"git_hooks"`
	HookSystems []enforcement.HookSystem `yaml:"other_hook_systems,omitempty"`
}

type lifecycleStatus struct {
	Enabled    bool                  `yaml:"enabled"`
	Hooks      int                   `yaml:"hooks"`
	Executions []lifecycle.Execution `yaml:"executions,omitempty"`
}

func NewStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show Poni configuration and runtime status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, c, err := openCoordinator()
			if err != nil {
				return err
			}
			execs, err := c.Executions()
			if err != nil {
				return err
			}

			report := statusReport{
				Version:   version.Version,
				Root:      a.project.Root,
				Config:    a.project.ConfigPath,
				Providers: providerList(a),
				Enforcement: enforcementStatus{
					Enabled:     a.cfg.Enforcement.Enabled,
					Rules:       len(a.cfg.Enforcement.Rules),
					GitHooks:    enforcement.HookStatus(a.project.HooksDir()),
					HookSystems: enforcement.ExistingHookSystems(a.project.Root),
				},
				Lifecycle: lifecycleStatus{
					Enabled:    a.cfg.Lifecycle.Enabled,
					Hooks:      len(a.cfg.Lifecycle.Hooks),
					Executions: execs,
				},
			}
			if events, err := audit.Recent(a.project.StateDir(), recentActivity); err == nil {
				report.Activity = events
			}
			if snap, err := metrics.ReadRuntimeSnapshot(a.project.StateDir()); err == nil && snap.HasData() {
				report.Metrics = &snap
			}

			switch output {
			case "yaml":
				return writeYAML(cmd.OutOrStdout(), report)
			case "", "text":
				printStatus(cmd.OutOrStdout(), report)
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text or yaml)", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return cmd
}

func providerList(a *app) []providerStatus {
	var out []providerStatus
	for name := range a.cfg.MCPs {
		out = append(out, providerStatus{Name: name, Kind: "mcp"})
	}
	for name := range a.cfg.CLI {
		out = append(out, providerStatus{Name: cliPrefix + name, Kind: "cli"})
	}
	for name := range a.cfg.Tools {
		out = append(out, providerStatus{Name: toolPrefix + name, Kind: "script"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintln(w, "=== Poni Status ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Version: %s\n", r.Version)
	fmt.Fprintf(w, "Root:    %s\n", r.Root)
	fmt.Fprintf(w, "Config:  %s\n", r.Config)

	fmt.Fprintln(w, "\nProviders:")
	if len(r.Providers) == 0 {
		fmt.Fprintln(w, "  none configured")
	}
	for _, p := range r.Providers {
		fmt.Fprintf(w, "  %s (%s)\n", p.Name, p.Kind)
	}

	fmt.Fprintln(w, "\nEnforcement:")
	fmt.Fprintf(w, "  Enabled: %v\n", r.Enforcement.Enabled)
	fmt.Fprintf(w, "  Rules:   %d\n", r.Enforcement.Rules)
	for _, h := range enforcement.GitHooks {
		state := "not installed"
		if r.Enforcement.GitHooks[h] {
			state = "installed"
		}
		fmt.Fprintf(w, "  %s: %s\n", h, state)
	}
	for _, sys := range r.Enforcement.HookSystems {
		fmt.Fprintf(w, "  Also present: %s (%s)\n", sys.Name, sys.Path)
	}

	fmt.Fprintln(w, "\nLifecycle:")
	fmt.Fprintf(w, "  Enabled: %v\n", r.Lifecycle.Enabled)
	fmt.Fprintf(w, "  Hooks:   %d\n", r.Lifecycle.Hooks)
	for _, e := range r.Lifecycle.Executions {
		fmt.Fprintf(w, "  %s: %s (attempt %d/%d)\n", e.Hook, e.State, e.Attempt, e.MaxRetries)
	}

	if len(r.Activity) > 0 {
		fmt.Fprintln(w, "\nRecent activity:")
		for _, ev := range r.Activity {
			line := fmt.Sprintf("  %s %-14s %s %s", ev.Time.Local().Format("01-02 15:04:05"), ev.Type, ev.Tool, ev.Outcome)
			if ev.Rule != "" {
				line += " (" + ev.Rule + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if r.Metrics == nil {
		return
	}
	m := r.Metrics
	fmt.Fprintln(w, "\nRuntime:")
	fmt.Fprintf(w, "  Executions: %d (failure %.1f%%, timeout %.1f%%)\n",
		m.Exec.Total, m.Exec.FailureRatio()*100, m.Exec.TimeoutRatio()*100)
	fmt.Fprintf(w, "  Latency:    avg %.0fms, p95~ %dms, max %dms\n",
		m.Exec.AvgLatencyMs(), m.Exec.P95ProxyLatencyMs, m.Exec.MaxLatencyMs)
	fmt.Fprintf(w, "  Policy:     %d allowed, %d denied, %d confirmation\n",
		m.Policy.Allowed, m.Policy.Denied, m.Policy.Confirmation)
	fmt.Fprintf(w, "  Hooks:      %d passed, %d failed, %d blocked, %d exhausted\n",
		m.Hooks.Passed, m.Hooks.Failed, m.Hooks.Blocked, m.Hooks.Exhausted)
}
