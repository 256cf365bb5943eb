// Command lace is the CLI entry point for the Agent Orchestration Engine.
// It owns everything outside the core: flag parsing, config loading,
// provider/store wiring, and the interactive read-eval-print loop. The
// core itself (pkg/agent, pkg/thread, pkg/tools, ...) has no knowledge of
// cobra, viper, or the terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lace-ai/lace/pkg/agent"
	"github.com/lace-ai/lace/pkg/approval"
	"github.com/lace-ai/lace/pkg/db"
	"github.com/lace-ai/lace/pkg/delegation"
	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/events"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
	"github.com/lace-ai/lace/pkg/tools"
	"github.com/lace-ai/lace/pkg/usage"
)

func init() {
	viper.SetDefault("provider", "anthropic")
	viper.SetDefault("model", "claude-sonnet-4-20250514")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")
	viper.SetDefault("allow_non_destructive_tools", false)
	viper.SetDefault("disable_all_tools", false)

	viper.SetEnvPrefix("LACE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.lace")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "warning: failed to read config file: %v\n", err)
		}
	}
}

// runConfig collects the CLI surface described in the engine's external
// interfaces: flag effects only, never parsing logic the core would need
// to know about.
type runConfig struct {
	providerName string
	model        string
	prompt       string
	continueID   string

	allowNonDestructiveTools bool
	autoApproveTools         []string
	disableTools             []string
	disableAllTools          bool
	disableToolGuardrails    bool

	logLevel string
	logFile  string
	harFile  string
}

func getRunConfigFromFlags(cmd *cobra.Command) runConfig {
	var cfg runConfig
	cfg.providerName, _ = cmd.Flags().GetString("provider")
	cfg.model, _ = cmd.Flags().GetString("model")
	cfg.prompt, _ = cmd.Flags().GetString("prompt")
	cfg.continueID, _ = cmd.Flags().GetString("continue")
	cfg.allowNonDestructiveTools, _ = cmd.Flags().GetBool("allow-non-destructive-tools")
	cfg.autoApproveTools, _ = cmd.Flags().GetStringSlice("auto-approve-tools")
	cfg.disableTools, _ = cmd.Flags().GetStringSlice("disable-tools")
	cfg.disableAllTools, _ = cmd.Flags().GetBool("disable-all-tools")
	cfg.disableToolGuardrails, _ = cmd.Flags().GetBool("disable-tool-guardrails")
	cfg.logLevel, _ = cmd.Flags().GetString("log-level")
	cfg.logFile, _ = cmd.Flags().GetString("log-file")
	cfg.harFile, _ = cmd.Flags().GetString("har")
	return cfg
}

var rootCmd = &cobra.Command{
	Use:   "lace",
	Short: "Lace agent orchestration engine",
	Long:  "Lace drives an LLM-powered agentic conversation with tool use, approval gating, and sub-agent delegation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getRunConfigFromFlags(cmd)
		return runOnce(cmd.Context(), cfg)
	},
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
			close(interrupted)
			select {
			case <-sigCh:
				// double interrupt within 2s: terminate immediately
				os.Exit(130)
			case <-time.After(2 * time.Second):
			}
		case <-ctx.Done():
		}
	}()

	rootCmd.PersistentFlags().String("provider", viper.GetString("provider"), "LLM provider (anthropic, openai, google, mock)")
	rootCmd.PersistentFlags().String("model", viper.GetString("model"), "model name for --provider")
	rootCmd.PersistentFlags().String("prompt", "", "single-shot prompt; exits after one turn")
	rootCmd.PersistentFlags().String("continue", "", "resume an existing thread id instead of starting a fresh one")
	rootCmd.PersistentFlags().Bool("allow-non-destructive-tools", viper.GetBool("allow_non_destructive_tools"), "auto-approve read-only tool calls")
	rootCmd.PersistentFlags().StringSlice("auto-approve-tools", nil, "tool names to always approve")
	rootCmd.PersistentFlags().StringSlice("disable-tools", nil, "tool names to always deny")
	rootCmd.PersistentFlags().Bool("disable-all-tools", viper.GetBool("disable_all_tools"), "deny every tool call")
	rootCmd.PersistentFlags().Bool("disable-tool-guardrails", false, "skip retry/circuit-breaker protection around tool calls")
	rootCmd.PersistentFlags().String("log-level", viper.GetString("log_level"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", viper.GetString("log_file"), "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("har", "", "HAR file path; accepted but no traffic is recorded")

	_ = viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	_ = viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	cobra.OnInitialize(func() {
		if level := viper.GetString("log_level"); level != "" {
			if err := logger.SetLogLevel(level); err != nil {
				fmt.Fprintf(os.Stderr, "warning: invalid log level %q: %v\n", level, err)
			}
		}
		if path := viper.GetString("log_file"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to open log file %q: %v\n", path, err)
			} else {
				logger.SetLogOutput(f)
			}
		}
	})

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		select {
		case <-interrupted:
			os.Exit(130)
		default:
			os.Exit(1)
		}
	}

	select {
	case <-interrupted:
		os.Exit(130)
	default:
	}
}

// engine bundles the wired collaborators a CLI session drives.
type engine struct {
	manager  *thread.Manager
	bus      *eventbus.Bus
	registry *tools.Registry
	agt      *agent.Agent
	threadID string
}

// resolveThreadID implements --continue's two forms: a specific thread id,
// or "latest" to resume whatever thread was last touched. An empty value
// starts a fresh root thread, as does "latest" when no thread exists yet; a
// specific id that is not registered is an error.
func resolveThreadID(ctx context.Context, manager *thread.Manager, continueID string) (string, error) {
	switch continueID {
	case "":
		meta, err := manager.CreateRootThread(ctx, nil)
		if err != nil {
			return "", err
		}
		return meta.ID, nil
	case "latest":
		latest, ok, err := manager.LatestThread(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			meta, err := manager.CreateRootThread(ctx, nil)
			if err != nil {
				return "", err
			}
			return meta.ID, nil
		}
		return latest, nil
	default:
		if _, err := manager.GetThread(ctx, continueID); err != nil {
			return "", err
		}
		return continueID, nil
	}
}

func buildEngine(ctx context.Context, cfg runConfig) (*engine, error) {
	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	store, err := events.OpenSQLiteStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	manager := thread.NewManager(store)

	threadID, err := resolveThreadID(ctx, manager, cfg.continueID)
	if err != nil {
		return nil, err
	}

	spec, err := provider.ParseSpec(cfg.providerName + ":" + cfg.model)
	if err != nil {
		return nil, err
	}
	prov, err := provider.Build(ctx, spec)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	registry := tools.NewRegistry()

	policy := approval.New(approval.Config{
		DisableAllTools:          cfg.disableAllTools,
		DisableTools:             cfg.disableTools,
		AutoApproveTools:         cfg.autoApproveTools,
		AllowNonDestructiveTools: cfg.allowNonDestructiveTools,
	}, nil).WithBus(bus)

	execCfg := tools.DefaultExecutorConfig
	if cfg.disableToolGuardrails {
		execCfg.Retry.MaxRetries = 0
		execCfg.Breaker.Enabled = false
	}
	executor := tools.NewExecutor(registry, policy, execCfg)

	delegate := delegation.New(delegation.Config{
		Manager:        manager,
		Bus:            bus,
		ParentThreadID: threadID,
		ParentTools:    registry,
		Approver:       policy,
	})
	if err := registry.Register(delegate); err != nil {
		return nil, err
	}

	a := agent.New(agent.Config{
		Provider: prov,
		Executor: executor,
		Registry: registry,
		Bus:      bus,
		Manager:  manager,
		ThreadID: threadID,
		SystemPrompt: "You are Lace, an interactive AI coding assistant. Use tools when they " +
			"help, ask for nothing you can discover yourself, and stop once the task is done.",
	})

	return &engine{manager: manager, bus: bus, registry: registry, agt: a, threadID: threadID}, nil
}

func runOnce(ctx context.Context, cfg runConfig) error {
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.prompt != "" {
		_, err := eng.agt.Send(ctx, cfg.prompt, agent.SendOptions{})
		if err != nil {
			return err
		}
		printLatestAgentMessage(ctx, eng)
		printSessionStats(eng)
		return nil
	}

	err = repl(ctx, eng)
	printSessionStats(eng)
	return err
}

// printSessionStats reports the session's accumulated token counts at the
// end of a run; no cost figure is printed.
func printSessionStats(eng *engine) {
	s := eng.agt.Usage()
	if s.Messages == 0 {
		return
	}
	fmt.Printf("tokens: %s in, %s out (%s total)\n",
		usage.FormatNumber(s.PromptTokens), usage.FormatNumber(s.CompletionTokens), usage.FormatNumber(s.TotalTokens))
}

// repl is the minimal interactive loop: it turns stdin lines into turns,
// recognizing a small set of slash commands the way an external UI would
// before handing free text to the Agent.
func repl(ctx context.Context, eng *engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("lace ready. Type /help for commands.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			return nil
		case "/help":
			fmt.Println("Available commands: /help, /exit")
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := eng.agt.Send(ctx, line, agent.SendOptions{}); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		printLatestAgentMessage(ctx, eng)
	}
}

func printLatestAgentMessage(ctx context.Context, eng *engine) {
	evs, err := eng.manager.Events(ctx, eng.threadID)
	if err != nil || len(evs) == 0 {
		return
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type != events.TypeAgentMessage {
			continue
		}
		var d events.TextData
		if err := events.DecodeData(evs[i], &d); err == nil {
			fmt.Println(d.Text)
		}
		return
	}
}
