// -- cmd/run.go --
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/agent"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/llmclient"
	"github.com/xkilldash9x/pilot-cli/internal/memory"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/tools"
	"github.com/xkilldash9x/pilot-cli/internal/tools/browser"
)

// eventBuffer is the per-subscriber buffer of the progress bus. The console
// renderer drains quickly; this only has to absorb bursts.
const eventBuffer = 64

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Execute one or more natural-language task requests",
		Long: `Each argument is one request. Requests run concurrently up to the configured
engine concurrency; the steps inside a request always run sequentially.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so CLI flags override the
			// config file and environment with the right precedence.
			if err := viper.BindPFlag("engine.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: runTasks,
	}

	runCmd.Flags().StringP("target", "t", "", "Tab id to pin every step to. Defaults to the active tab.")
	runCmd.Flags().StringP("output", "o", "", "File path for a JSON transcript of the outcomes.")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	runCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent requests. (Overrides config/env)")
	runCmd.Flags().BoolP("yes", "y", false, "Approve destructive steps without prompting.")

	return runCmd
}

func runTasks(cmd *cobra.Command, args []string) error {
	// The context passed from main is signal-aware.
	ctx := cmd.Context()
	logger := observability.GetLogger()

	// Re-unmarshal so the flag bindings from PreRunE take effect.
	cfg := appCfg
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to apply flag overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.SetRunConfig(config.RunConfig{
		Tasks:    args,
		TargetID: viper.GetString("target"),
		Output:   viper.GetString("output"),
	})

	logger.Info("Starting run",
		zap.Int("requests", len(args)),
		zap.Int("concurrency", cfg.Engine().Concurrency),
		zap.Bool("headless", cfg.Browser().Headless),
	)

	components, err := initializeRunComponents(ctx, cfg, logger)
	if err != nil {
		if components != nil {
			components.Shutdown()
		}
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	// The renderer subscribes before the dispatcher starts so no event is
	// published without a listener.
	events, unsubscribe := components.Bus.Subscribe()
	defer unsubscribe()

	renderer := newConsoleRenderer(
		cmd.OutOrStdout(),
		cmd.InOrStdin(),
		components.Confirmer,
		viper.GetBool("yes"),
		cfg.Engine().ConfirmationTimeout,
	)
	rendererDone := make(chan struct{})
	go func() {
		defer close(rendererDone)
		renderer.Run(events)
	}()

	components.Dispatcher.Start(ctx)

	submitted := 0
	for _, message := range cfg.Run().Tasks {
		req := schemas.TaskRequest{
			ID:       uuid.NewString(),
			Message:  message,
			TargetID: cfg.Run().TargetID,
		}
		if err := components.Dispatcher.Submit(req); err != nil {
			return fmt.Errorf("failed to submit request %q: %w", truncate(message, 60), err)
		}
		submitted++
	}

	outcomes := collectOutcomes(ctx, components.Dispatcher, submitted)

	// Quiesce the pipeline before printing summaries so renderer output and
	// summary lines do not interleave.
	components.Dispatcher.Stop()
	components.Bus.Shutdown()
	<-rendererDone

	printSummary(cmd.OutOrStdout(), outcomes, submitted)

	if path := cfg.Run().Output; path != "" {
		if err := writeTranscript(path, outcomes); err != nil {
			return fmt.Errorf("failed to write transcript: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Transcript written to %s\n", path)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Phase == schemas.PhaseError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, submitted)
	}
	if len(outcomes) < submitted {
		return fmt.Errorf("interrupted with %d of %d requests unfinished", submitted-len(outcomes), submitted)
	}
	return nil
}

// runComponents holds the initialized service graph for one `run` invocation.
type runComponents struct {
	logger     *zap.Logger
	Browser    *browser.Manager
	Registry   *tools.Registry
	LLM        schemas.LLMClient
	Recall     schemas.RecallStore
	Bus        *agent.Bus
	Confirmer  *agent.ConfirmationManager
	Engine     *agent.Engine
	Dispatcher *agent.Dispatcher
}

// Shutdown releases everything in reverse dependency order. Safe to call on a
// partially initialized graph and safe to call twice.
func (c *runComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.Dispatcher != nil {
		c.Dispatcher.Stop()
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			c.logger.Warn("Error closing LLM client", zap.Error(err))
		}
	}
	if c.Recall != nil {
		c.Recall.Stop()
	}
	if c.Browser != nil {
		c.Browser.Shutdown(shutdownCtx)
	}
}

// initializeRunComponents handles dependency injection for the run command.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	c := &runComponents{logger: logger}

	// 1. Browser manager. Chrome launches lazily on the first tool call.
	c.Browser = browser.NewManager(ctx, cfg.Browser(), logger)

	// 2. Tool registry bound to the browser's session resolver.
	registry, err := tools.NewDefaultRegistry(logger, c.Browser, cfg.Browser())
	if err != nil {
		return c, fmt.Errorf("failed to build tool registry: %w", err)
	}
	c.Registry = registry

	// 3. Completion oracle.
	llm, err := llmclient.NewClient(cfg.LLM(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	c.LLM = llm

	// 4. Best-effort recall store.
	c.Recall = memory.New(ctx, cfg.Memory(), logger)

	// 5. Agent core.
	c.Bus = agent.NewBus(logger, eventBuffer)
	c.Confirmer = agent.NewConfirmationManager(logger, c.Bus, cfg.Engine().ConfirmationTimeout)
	planner := agent.NewPlanner(logger, c.LLM, c.Registry, c.Recall)
	c.Engine = agent.NewEngine(logger, cfg.Engine(), c.LLM, c.Registry, planner, c.Confirmer, c.Bus, c.Recall)
	c.Dispatcher = agent.NewDispatcher(logger, cfg.Engine(), c.Engine)

	return c, nil
}

// collectOutcomes reads results until every submitted request reported back,
// the dispatcher drained, or the run context was cancelled.
func collectOutcomes(ctx context.Context, d *agent.Dispatcher, expected int) []*schemas.TaskOutcome {
	outcomes := make([]*schemas.TaskOutcome, 0, expected)
	for len(outcomes) < expected {
		select {
		case outcome, ok := <-d.Results():
			if !ok {
				return outcomes
			}
			outcomes = append(outcomes, outcome)
		case <-ctx.Done():
			return outcomes
		}
	}
	return outcomes
}

func printSummary(w io.Writer, outcomes []*schemas.TaskOutcome, submitted int) {
	fmt.Fprintln(w)
	for _, o := range outcomes {
		fmt.Fprintf(w, "[%s] completed=%d failed=%d replans=%d iterations=%d\n",
			o.Phase, o.StepsCompleted, o.StepsFailed, o.Replans, o.Iterations)
	}
	if len(outcomes) < submitted {
		fmt.Fprintf(w, "%d request(s) did not finish\n", submitted-len(outcomes))
	}
}

func writeTranscript(path string, outcomes []*schemas.TaskOutcome) error {
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// consoleRenderer turns engine progress events into terminal output and
// answers confirmation and guidance prompts from stdin.
type consoleRenderer struct {
	out         io.Writer
	lines       <-chan string
	confirmer   *agent.ConfirmationManager
	autoApprove bool
	// promptTimeout mirrors the confirmation timeout so an unanswered
	// prompt releases the renderer around when the engine gives up waiting.
	promptTimeout time.Duration
}

func newConsoleRenderer(out io.Writer, in io.Reader, confirmer *agent.ConfirmationManager, autoApprove bool, promptTimeout time.Duration) *consoleRenderer {
	return &consoleRenderer{
		out:           out,
		lines:         readLines(in),
		confirmer:     confirmer,
		autoApprove:   autoApprove,
		promptTimeout: promptTimeout,
	}
}

// readLines pumps stdin lines into a channel so prompt reads can race the
// confirmation timeout. The pump exits on EOF.
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// Run renders events until the channel closes.
func (r *consoleRenderer) Run(events <-chan schemas.EngineEvent) {
	for ev := range events {
		switch ev.Type {
		case schemas.EventPlanning:
			fmt.Fprintf(r.out, "[plan] %s\n", ev.Content)
		case schemas.EventPlanPublished:
			r.renderPlan(ev.Plan)
		case schemas.EventExecuting:
			fmt.Fprintf(r.out, "[step %d] %s: %s\n", ev.StepNumber, ev.ToolName, ev.Content)
		case schemas.EventStepCompleted:
			fmt.Fprintf(r.out, "[step %d] done\n", ev.StepNumber)
		case schemas.EventStepFailed:
			fmt.Fprintf(r.out, "[step %d] failed: %s\n", ev.StepNumber, ev.Content)
		case schemas.EventReplanning:
			fmt.Fprintf(r.out, "[replan] %s\n", ev.Content)
		case schemas.EventConfirmationRequired:
			r.confirm(ev)
		case schemas.EventGuidanceRequired:
			r.guide(ev)
		case schemas.EventFinalResponse:
			fmt.Fprintf(r.out, "\n%s\n", ev.Content)
		case schemas.EventError:
			fmt.Fprintf(r.out, "[error] %s\n", ev.Content)
		}
	}
}

func (r *consoleRenderer) renderPlan(plan *schemas.ActionPlan) {
	if plan == nil {
		return
	}
	fmt.Fprintf(r.out, "[plan] goal: %s\n", plan.Goal)
	for _, step := range plan.Steps {
		gate := ""
		if step.RequiresConfirmation {
			gate = " (asks first)"
		}
		fmt.Fprintf(r.out, "  %d. %s: %s%s\n", step.StepNumber, step.Tool, step.Reasoning, gate)
	}
}

func (r *consoleRenderer) confirm(ev schemas.EngineEvent) {
	if r.autoApprove {
		fmt.Fprintf(r.out, "[confirm] %s: approved (--yes)\n", ev.Content)
		r.confirmer.Resolve(ev.CorrelationID, schemas.ConfirmationResponse{Confirmed: true})
		return
	}
	answer := strings.ToLower(r.promptLine(fmt.Sprintf("[confirm] %s\n  Proceed? [y/N]: ", ev.Content)))
	confirmed := answer == "y" || answer == "yes"
	r.confirmer.Resolve(ev.CorrelationID, schemas.ConfirmationResponse{Confirmed: confirmed})
}

func (r *consoleRenderer) guide(ev schemas.EngineEvent) {
	selector := r.promptLine(fmt.Sprintf("[input needed] %s\n  CSS selector (empty to skip): ", ev.Content))
	r.confirmer.Resolve(ev.CorrelationID, schemas.ConfirmationResponse{
		Confirmed: selector != "",
		Selector:  selector,
	})
}

// promptLine prints the prompt and waits for one line of input. An EOF or an
// expired wait answers the empty string, which every caller treats as a
// decline.
func (r *consoleRenderer) promptLine(prompt string) string {
	fmt.Fprint(r.out, prompt)
	timer := time.NewTimer(r.promptTimeout)
	defer timer.Stop()
	select {
	case line, ok := <-r.lines:
		if !ok {
			fmt.Fprintln(r.out, "(stdin closed, declining)")
			return ""
		}
		return strings.TrimSpace(line)
	case <-timer.C:
		fmt.Fprintln(r.out, "(no answer)")
		return ""
	}
}
