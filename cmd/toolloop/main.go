// Command toolloop runs one tool-calling completion against a configured backend, offering
// a handful of built-in tools, and keeps a SQLite transcript of every run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skosovsky/toolloop"
	"github.com/skosovsky/toolloop/provider"
	"github.com/skosovsky/toolloop/transcript"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolloop",
		Short: "Drive a model through tool calls until it answers",
		Long: `toolloop sends a prompt to an LLM backend together with a set of built-in tools,
executes every tool call the model makes and prints the final answer.

Configuration comes from flags, TOOLLOOP_* environment variables (a .env file is
loaded when present) and an optional YAML, TOML or JSON config file.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	root.PersistentFlags().String("transcript", "", "SQLite transcript path (empty string disables)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(), newToolsCmd(), newHistoryCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		schemaFile     string
		sequential     bool
		allowDangerous bool
		tags           []string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one completion with the built-in tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(newViper(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			format := toolloop.TextFormat()
			if schemaFile != "" {
				if format, err = readFormat(schemaFile); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			tools, err := demoTools(time.Now)
			if err != nil {
				return err
			}
			tools = selectTools(tools, tags, allowDangerous)
			return runPrompt(ctx, cmd.OutOrStdout(), cfg, args[0], format, tools, !sequential)
		},
	}
	f := cmd.Flags()
	f.String("provider", "", "backend: openai, openrouter, chat or gemini")
	f.StringP("model", "m", "", "model name")
	f.String("base-url", "", "override the backend API root")
	f.String("system", "", "system prompt")
	f.Uint32("max-iterations", 0, "maximum round trips per run")
	f.Duration("timeout", 0, "wall-clock budget of the run")
	f.Int("retries", 0, "retries of transient HTTP failures")
	f.StringVar(&schemaFile, "schema", "", "JSON Schema file the answer must follow")
	f.BoolVar(&sequential, "sequential", false, "execute tool calls one at a time")
	f.BoolVar(&allowDangerous, "allow-dangerous", false, "offer tools marked dangerous, such as read_file")
	f.StringSliceVar(&tags, "tag", nil, "offer only tools carrying one of these tags")
	return cmd
}

func readFormat(path string) (toolloop.Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return toolloop.Format{}, err
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return toolloop.Format{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	name, _ := schema["title"].(string)
	if name == "" {
		name = "answer"
	}
	return toolloop.FormatFromSchema(name, schema, true)
}

func runPrompt(ctx context.Context, out io.Writer, cfg cliConfig, prompt string, format toolloop.Format,
	tools []toolloop.Tool, parallel bool,
) error {
	logger := newLogger(cfg.LogLevel)

	reg := toolloop.NewRegistry(toolloop.WithMaxConcurrency(4))
	reg.Use(toolloop.WithLogging(logger))
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	defer func() { _ = reg.Shutdown(context.Background()) }()

	var opts []toolloop.ClientOption
	if cfg.Transcript != "" {
		store, err := transcript.Open(ctx, cfg.Transcript, transcript.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("opening transcript: %w", err)
		}
		defer store.Close()
		opts = append(opts, toolloop.WithRunObserver(store))
	}
	client, err := provider.NewClient(cfg.Provider, logger, opts...)
	if err != nil {
		return err
	}

	b := toolloop.NewRequest(cfg.Model)
	if cfg.System != "" {
		b.System(cfg.System)
	}
	req, err := b.User(prompt).Tools(reg).ParallelToolCalls(parallel).Build()
	if err != nil {
		return err
	}

	resp, err := client.Run(ctx, req, format)
	if err != nil {
		var limit *toolloop.IterationLimitError
		if errors.As(err, &limit) {
			return fmt.Errorf("%w (raise --max-iterations)", err)
		}
		return err
	}
	fmt.Fprintln(out, resp.Text)
	logger.Info("run finished", "provider", resp.Provider, "model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return nil
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the descriptors of the built-in tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, err := demoTools(time.Now)
			if err != nil {
				return err
			}
			infos := make([]toolInfo, 0, len(tools))
			for _, t := range tools {
				infos = append(infos, describeTool(t))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or print the conversation of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(newViper(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Transcript == "" {
				return errors.New("no transcript configured")
			}
			store, err := transcript.Open(cmd.Context(), cfg.Transcript)
			if err != nil {
				return err
			}
			defer store.Close()
			if len(args) == 1 {
				return printRun(cmd.Context(), cmd.OutOrStdout(), store, args[0])
			}
			return printRuns(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func printRuns(ctx context.Context, out io.Writer, store *transcript.Store, limit int) error {
	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %s  %-10s %-16s %-24s iter=%d tokens=%d %s\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Provider, r.Status, r.Model,
			r.Iterations, r.Usage.TotalTokens, r.Duration().Round(time.Millisecond))
	}
	return nil
}

func printRun(ctx context.Context, out io.Writer, store *transcript.Store, id string) error {
	run, err := store.Run(ctx, id)
	if err != nil {
		return err
	}
	items, err := store.Items(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s (%s, %s) status=%s\n", run.ID, run.Provider, run.Model, run.Status)
	for _, it := range items {
		switch it.Type {
		case toolloop.ItemMessage:
			fmt.Fprintf(out, "[%s] %s\n", it.Role, it.Content)
		case toolloop.ItemFunctionCall:
			fmt.Fprintf(out, "-> %s(%s) call_id=%s\n", it.Name, it.Arguments, it.CallID)
		case toolloop.ItemFunctionResult:
			fmt.Fprintf(out, "<- %s call_id=%s\n", it.Result, it.CallID)
		}
	}
	if run.Error != "" {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	} else {
		fmt.Fprintf(out, "[answer] %s\n", run.Text)
	}
	return nil
}
