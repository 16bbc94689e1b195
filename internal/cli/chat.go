// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/config"
	"github.com/jeranaias/trainchat/internal/coordinator"
	"github.com/jeranaias/trainchat/internal/failure"
	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/training"
	"github.com/jeranaias/trainchat/internal/ui/styles"
	"github.com/jeranaias/trainchat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads the saved input history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history, owner read/write only.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCmd(a *app) *cobra.Command {
	var (
		temperature float64
		maxTokens   int
	)
	cmd := &cobra.Command{
		Use:   "chat <project>",
		Short: "Chat with a project's trained model",
		Long: `Open an interactive chat with a project's trained model.

The model is loaded when the chat starts. Replies stream in token by
token. Transcripts are archived to the history database when the chat
ends, and edits to the config file's [chat] section apply to the next
message.

Interactive commands:
  /help             Show commands
  /status           Session, training and usage summary
  /temp <0.1-1.0>   Set sampling temperature
  /tokens <n>       Set max reply tokens
  /load             Reload the model after an error
  /transcript       Show this session's turns
  /quit             Exit (Ctrl+D also exits)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := RequiresTTY("chat"); err != nil {
				return err
			}
			settings := a.cfg.ChatDefaults()
			if cmd.Flags().Changed("temperature") {
				settings.Temperature = temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				settings.MaxTokens = maxTokens
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			return runChat(cmd.Context(), a, cmd.OutOrStdout(), args[0], settings)
		},
	}
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "Sampling temperature (0.1-1.0)")
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "m", 0, "Max tokens per reply")
	return cmd
}

func runChat(ctx context.Context, a *app, out io.Writer, slug string, settings inference.ChatConfig) error {
	cc := a.coordinatorConfig(nil)
	store, err := a.openHistory()
	if err != nil {
		a.log.Warn("HISTORY_DISABLED", zap.Error(err))
	}
	if store != nil {
		cc.Archiver = store
	}
	coord := coordinator.New(a.client, cc)
	defer func() {
		// Close archives the transcript, so the store outlives it.
		coord.Close()
		if store != nil {
			if keep := a.cfg.History.Keep; keep > 0 {
				if _, err := store.Prune(context.Background(), keep); err != nil {
					a.log.Warn("HISTORY_PRUNE_FAILED", zap.Error(err))
				}
			}
			store.Close()
		}
	}()

	r := &chatRepl{coord: coord, out: out, settings: settings, done: make(chan turnResult, 1)}
	coord.OnEvent(r.onEvent)

	_ = coord.Start(ctx)
	if err := coord.SelectProject(ctx, slug); err != nil {
		return err
	}
	if err := coord.Refresh(ctx); err != nil {
		return err
	}
	if phase := coord.Snapshot().Training.Phase; phase != training.PhaseCompleted {
		return failure.New(failure.KindSendRejectedNotReady,
			fmt.Sprintf("project %s is %s; chat is available once training completes", slug, phase))
	}

	fmt.Fprintln(out, DimStyle.Render("Loading model for "+slug+"..."))
	if err := r.load(ctx); err != nil {
		return err
	}

	var wg conc.WaitGroup
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer func() {
		stopWatch()
		wg.Wait()
	}()
	if w := a.configWatcher(r.reloadSettings); w != nil {
		wg.Go(func() { _ = w.Run(watchCtx) })
	}

	fmt.Fprintln(out, TitleStyle.Render("Chatting with "+slug))
	fmt.Fprintln(out, DimStyle.Render("Type /help for commands, /quit to exit."))

	input := NewChatCLI()
	defer input.Close()

	prompt := PromptStyle.Render("you> ")
	for ctx.Err() == nil {
		line, err := input.ReadInput(prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(out, DimStyle.Render("(use /quit or Ctrl+D to exit)"))
			continue
		}
		if err != nil {
			// io.EOF on Ctrl+D
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				break
			}
			continue
		}
		r.send(ctx, line)
	}

	snap := coord.Snapshot()
	if snap.Usage.Turns > 0 {
		fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("%d turn(s), %d tokens", snap.Usage.Turns, snap.Usage.TotalTokens)))
	}
	return nil
}

// configWatcher returns a watcher on the active config file, or nil when
// there is no file to watch.
func (a *app) configWatcher(apply func(*config.Config, error)) *config.Watcher {
	path := a.configPath
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := config.NewWatcher(path, apply)
	if err != nil {
		a.log.Debug("CONFIG_WATCH_UNAVAILABLE", zap.Error(err))
		return nil
	}
	return w
}

// =============================================================================
// REPL
// =============================================================================

type turnResult struct {
	err     error
	metrics *inference.TurnMetrics
}

// chatRepl is the state of one interactive chat. Event callbacks run on
// coordinator goroutines; the REPL loop waits on done for each reply.
type chatRepl struct {
	coord *coordinator.Coordinator
	out   io.Writer

	mu       sync.Mutex
	settings inference.ChatConfig
	waiting  bool
	done     chan turnResult
}

// onEvent prints streamed tokens and completes the pending turn.
func (r *chatRepl) onEvent(ev coordinator.Event) {
	switch ev.Kind {
	case coordinator.EventSession:
		u := ev.Update
		switch u.Kind {
		case inference.UpdateToken:
			fmt.Fprint(r.out, u.Token)
		case inference.UpdateTurn:
			if u.Turn != nil && u.Turn.Role == inference.RoleAssistant {
				r.finish(turnResult{metrics: u.Turn.Metrics})
			}
		case inference.UpdateError:
			if !r.finish(turnResult{err: u.Err}) {
				fmt.Fprintln(r.out, "\n"+styles.RenderWarning(u.Err.Error()))
			}
		case inference.UpdateState:
			switch u.State {
			case inference.StateDisconnected:
				fmt.Fprintln(r.out, "\n"+styles.RenderWarning("connection lost, reconnecting..."))
			case inference.StateError:
				fmt.Fprintln(r.out, "\n"+styles.RenderError("chat unavailable; use /load to retry"))
			}
		}
	case coordinator.EventPhase:
		t := ev.Transition
		fmt.Fprintln(r.out, "\n"+DimStyle.Render(fmt.Sprintf("training: %s -> %s", t.From, t.To)))
	case coordinator.EventDegraded:
		if ev.Degraded {
			fmt.Fprintln(r.out, "\n"+styles.RenderWarning("training service unreachable"))
		}
	}
}

// finish hands a result to the waiting turn. It reports false when no
// turn was waiting.
func (r *chatRepl) finish(res turnResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.waiting {
		return false
	}
	r.waiting = false
	r.done <- res
	return true
}

// send runs one turn and blocks until the reply completes or fails.
func (r *chatRepl) send(ctx context.Context, text string) {
	r.mu.Lock()
	settings := r.settings
	r.waiting = true
	select {
	case <-r.done:
	default:
	}
	r.mu.Unlock()

	fmt.Fprint(r.out, AssistantStyle.Render("model> "))
	if err := r.coord.Send(text, settings); err != nil {
		r.mu.Lock()
		r.waiting = false
		r.mu.Unlock()
		fmt.Fprintln(r.out, styles.RenderError(err.Error()))
		if failure.IsNotReady(err) {
			fmt.Fprintln(r.out, DimStyle.Render("use /load to reconnect"))
		}
		return
	}

	select {
	case res := <-r.done:
		fmt.Fprintln(r.out)
		if res.err != nil {
			fmt.Fprintln(r.out, styles.RenderError(res.err.Error()))
			return
		}
		if res.metrics != nil {
			fmt.Fprintln(r.out, DimStyle.Render(formatMetrics(*res.metrics)))
		}
	case <-ctx.Done():
		r.mu.Lock()
		r.waiting = false
		r.mu.Unlock()
		fmt.Fprintln(r.out)
	}
}

// load loads the model, waiting out a load already started by auto-load.
func (r *chatRepl) load(ctx context.Context) error {
	for {
		err := r.coord.LoadModel(ctx)
		if !errors.Is(err, inference.ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// reloadSettings applies the [chat] section of a reloaded config file.
func (r *chatRepl) reloadSettings(cfg *config.Config, err error) {
	if err != nil {
		fmt.Fprintln(r.out, "\n"+styles.RenderWarning("config reload failed: "+err.Error()))
		return
	}
	next := cfg.ChatDefaults()
	r.mu.Lock()
	r.settings = next
	r.mu.Unlock()
	fmt.Fprintln(r.out, "\n"+DimStyle.Render(fmt.Sprintf("config reloaded: temperature %.2f, max tokens %d", next.Temperature, next.MaxTokens)))
}

// command runs a slash command. It reports true when the chat should end.
func (r *chatRepl) command(ctx context.Context, line string) bool {
	name, arg := parseCommand(line)
	switch name {
	case "quit", "exit", "q":
		return true

	case "help", "h":
		fmt.Fprintln(r.out, chatHelp)

	case "status", "s":
		r.printStatus()

	case "temp", "tokens":
		r.mu.Lock()
		next, err := applySetting(r.settings, name, arg)
		if err == nil {
			r.settings = next
		}
		r.mu.Unlock()
		if err != nil {
			fmt.Fprintln(r.out, styles.RenderError(err.Error()))
			return false
		}
		fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("temperature %.2f, max tokens %d", next.Temperature, next.MaxTokens)))

	case "load":
		if err := r.load(ctx); err != nil {
			fmt.Fprintln(r.out, styles.RenderError(err.Error()))
			return false
		}
		fmt.Fprintln(r.out, SuccessStyle.Render("model ready"))

	case "transcript":
		r.printTranscript()

	default:
		fmt.Fprintln(r.out, styles.RenderWarning("unknown command /"+name+"; try /help"))
	}
	return false
}

const chatHelp = `  /status           Session, training and usage summary
  /temp <0.1-1.0>   Set sampling temperature
  /tokens <n>       Set max reply tokens
  /load             Reload the model after an error
  /transcript       Show this session's turns
  /quit             Exit`

func (r *chatRepl) printStatus() {
	snap := r.coord.Snapshot()
	r.mu.Lock()
	settings := r.settings
	r.mu.Unlock()

	printField(r.out, "project", snap.Project)
	printField(r.out, "training", styles.RenderPhase(snap.Training.Phase.String()))
	printField(r.out, "session", styles.RenderSession(snap.Session.State.String()))
	printField(r.out, "turns", strconv.Itoa(len(snap.Session.Transcript)))
	printField(r.out, "tokens", strconv.Itoa(snap.Usage.TotalTokens))
	if snap.Usage.Turns > 0 {
		printField(r.out, "mean latency", fmt.Sprintf("%.0f ms", snap.Usage.MeanLatencyMs()))
	}
	printField(r.out, "temperature", fmt.Sprintf("%.2f", settings.Temperature))
	printField(r.out, "max tokens", strconv.Itoa(settings.MaxTokens))
	if snap.Session.Violations > 0 {
		printField(r.out, "bad frames", strconv.Itoa(snap.Session.Violations))
	}
	if snap.SystemOK {
		printField(r.out, "system", snap.System.Summary())
	}
}

func (r *chatRepl) printTranscript() {
	snap := r.coord.Snapshot()
	if len(snap.Session.Transcript) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("no turns yet"))
		return
	}
	width := GetTerminalWidth() - 8
	for _, t := range snap.Session.Transcript {
		label := PromptStyle.Render("you>   ")
		if t.Role == inference.RoleAssistant {
			label = AssistantStyle.Render("model> ")
		}
		fmt.Fprintln(r.out, label+util.Preview(t.Content, width))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// parseCommand splits "/name arg..." into a lowercase name and the
// trimmed remainder.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// applySetting returns settings with one field changed by a /temp or
// /tokens command.
func applySetting(settings inference.ChatConfig, name, arg string) (inference.ChatConfig, error) {
	if arg == "" {
		return settings, fmt.Errorf("/%s needs a value", name)
	}
	switch name {
	case "temp":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return settings, fmt.Errorf("invalid temperature %q", arg)
		}
		settings.Temperature = v
	case "tokens":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return settings, fmt.Errorf("invalid token count %q", arg)
		}
		settings.MaxTokens = v
	default:
		return settings, fmt.Errorf("unknown setting %q", name)
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

// formatMetrics renders reply metrics as one dim line.
func formatMetrics(m inference.TurnMetrics) string {
	return fmt.Sprintf("%.0f ms  %d in / %d out tokens", m.LatencyMs, m.InputTokens, m.OutputTokens)
}
