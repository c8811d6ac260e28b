package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/rankpilot/internal/config"
	"github.com/stellarlinkco/rankpilot/internal/gateway"
	"github.com/stellarlinkco/rankpilot/internal/orchestrator"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
)

var rootCmd = &cobra.Command{
	Use:          "rankpilot",
	Short:        "rankpilot - autonomous local marketing agents",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator, all agents and the operations API",
	RunE:  runRun,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and a starter playbook",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rankpilot configuration",
	RunE:  runStatus,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the executive summary",
	RunE:  runSummary,
}

var emergencyCmd = &cobra.Command{
	Use:   "emergency <situation>",
	Short: "Trigger an emergency response (ranking_drop, negative_review_spike, competitor_attack)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmergency,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Begin recovery from the active emergency",
	RunE:  runRecover,
}

var (
	dryRunFlag  bool
	offlineFlag bool
	addrFlag    string
)

func init() {
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Log what would be published instead of calling platforms")
	summaryCmd.Flags().BoolVar(&offlineFlag, "offline", false, "Build the summary from the local store instead of the running API")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Address of the running API (default from config)")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, summaryCmd, emergencyCmd, recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{DryRun: dryRunFlag})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(commandContext(cmd))
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.Playbook); os.IsNotExist(err) {
		if err := playbook.Save(cfg.Playbook, playbook.Default()); err != nil {
			return fmt.Errorf("write playbook: %w", err)
		}
		fmt.Fprintf(out, "Created playbook: %s\n", cfg.Playbook)
	} else {
		fmt.Fprintf(out, "Playbook already exists: %s\n", cfg.Playbook)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s with your business, locations and competitors\n", cfg.Playbook)
	fmt.Fprintf(out, "  2. Edit %s to add platform endpoints and notifiers\n", cfgPath)
	fmt.Fprintln(out, "  3. Run 'rankpilot run --dry-run' to watch a cycle without publishing")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(cfg.Playbook); err != nil {
		fmt.Fprintf(out, "Playbook: %s (not found, run 'rankpilot onboard')\n", cfg.Playbook)
	} else {
		fmt.Fprintf(out, "Playbook: %s\n", cfg.Playbook)
	}
	fmt.Fprintf(out, "Store: %s (%s)\n", cfg.Store.Driver, cfg.Store.Path)
	fmt.Fprintf(out, "Generation: enabled=%v model=%s\n", cfg.Generation.Enabled, cfg.Generation.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)
	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Notify.Discord.Enabled)
	fmt.Fprintf(out, "Alerts: %s and above\n", cfg.Notify.MinSeverity)
	if cfg.API.Enabled {
		fmt.Fprintf(out, "API: %s\n", net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)))
	} else {
		fmt.Fprintln(out, "API: disabled")
	}
	if len(cfg.Agents.Disabled) > 0 {
		fmt.Fprintf(out, "Disabled agents: %s\n", strings.Join(cfg.Agents.Disabled, ", "))
	}
	fmt.Fprintf(out, "Coordination: %s, monitoring: %s\n", cfg.Orchestrator.Coordination, cfg.Orchestrator.Monitoring)
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out := cmd.OutOrStdout()

	if offlineFlag {
		gw, err := gateway.NewWithOptions(cfg, gateway.Options{DryRun: true})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		defer gw.Shutdown()
		text, err := gw.Summary(commandContext(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	}

	var resp struct {
		Summary string `json:"summary"`
	}
	if err := callAPI(commandContext(cmd), cfg, http.MethodGet, "/v1/summary", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Summary)
	return nil
}

func runEmergency(cmd *cobra.Command, args []string) error {
	sit, err := orchestrator.ParseSituation(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var resp struct {
		Directive struct {
			ID        string   `json:"id"`
			Assignees []string `json:"assignees"`
		} `json:"directive"`
	}
	if err := callAPI(commandContext(cmd), cfg, http.MethodPost, "/v1/emergency", map[string]string{"situation": string(sit)}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Emergency %s started: directive %s sent to %s\n",
		sit, resp.Directive.ID, strings.Join(resp.Directive.Assignees, ", "))
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var resp struct {
		Emergency orchestrator.Emergency `json:"emergency"`
	}
	if err := callAPI(commandContext(cmd), cfg, http.MethodPost, "/v1/recover", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recovering from %s\n", resp.Emergency.Situation)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// apiBase resolves the running API address from --addr or the config.
func apiBase(cfg *config.Config) string {
	addr := strings.TrimSpace(addrFlag)
	if addr == "" {
		addr = net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func callAPI(ctx context.Context, cfg *config.Config, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase(cfg)+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s (is 'rankpilot run' running?): %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Err string `json:"err"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Err != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Err)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}
