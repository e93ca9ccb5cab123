package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/roles"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (One-shot query)
// ═══════════════════════════════════════════════════════════════════════════════

type askFlags struct {
	mode        string
	routing     string
	role        string
	model       string
	backend     string
	project     string
	session     string
	yes         bool
	timeout     time.Duration
	metricsAddr string
}

func askCmd() *cobra.Command {
	var f askFlags

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question (one-shot query)",
		Long: `Ask a question and get an answer from the model best suited to it.

Examples:
  loom ask "What is a biquad filter?"
  loom ask --mode FAUST --project synth "Add a resonant lowpass to the voice"
  loom ask --routing manual --role fast "Rename these variables to camelCase"
  loom ask --routing manual --backend ollama --model qwen2.5:32b "Explain this DSP chain"
  loom ask --routing assisted "Refactor the audio callback"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, f, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "agent mode (default from config)")
	cmd.Flags().StringVarP(&f.routing, "routing", "r", "auto", "routing mode: auto, manual, assisted")
	cmd.Flags().StringVar(&f.role, "role", "", "manual routing: reasoning or fast")
	cmd.Flags().StringVar(&f.model, "model", "", "manual routing: explicit model id")
	cmd.Flags().StringVar(&f.backend, "backend", "", "backend for --model: ollama or huggingface")
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project whose state is included")
	cmd.Flags().StringVar(&f.session, "session", "", "session id")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "assisted routing: accept the suggestion without asking")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Minute, "overall request timeout")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")

	return cmd
}

func runAsk(cmd *cobra.Command, f askFlags, question string) error {
	routing, err := orchestrator.ParseRoutingMode(f.routing)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	a, cleanup, err := initializeApp(ctx, f.metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	req := orchestrator.SubmitRequest{
		ProjectID:   f.project,
		SessionID:   f.session,
		AgentMode:   f.mode,
		RoutingMode: routing,
		Role:        roles.Role(strings.ToLower(f.role)),
		ModelID:     f.model,
		Backend:     llm.BackendKind(strings.ToLower(f.backend)),
		Query:       question,
	}

	res, err := a.orch.Submit(ctx, req)
	if err != nil {
		return err
	}

	if res.Pending {
		fmt.Println(renderSuggestion(res))

		role := roles.Role("")
		if !f.yes {
			var accepted bool
			accepted, role, err = promptConfirm(os.Stdin, os.Stdout)
			if err != nil {
				return err
			}
			if !accepted {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		res, err = a.orch.Confirm(ctx, res.SuggestionToken, role)
		if err != nil {
			return err
		}
	}

	return printResult(res)
}

// promptConfirm asks whether to accept a suggestion. An answer naming a role
// accepts with that role instead.
func promptConfirm(in io.Reader, out io.Writer) (bool, roles.Role, error) {
	fmt.Fprint(out, "Generate with this role? [Y/n/reasoning/fast] ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, "", err
	}

	switch answer := strings.ToLower(strings.TrimSpace(line)); answer {
	case "", "y", "yes":
		return true, "", nil
	case "n", "no":
		return false, "", nil
	default:
		role, err := roles.ParseRole(answer)
		if err != nil {
			return false, "", err
		}
		return true, role, nil
	}
}

func printResult(res *orchestrator.Result) error {
	if res.Error != nil {
		fmt.Fprintln(os.Stderr, renderFailure(res))
		return fmt.Errorf("request %s failed", res.RequestID)
	}
	fmt.Println(renderMarkdown(res.Text, noColor))
	fmt.Println()
	fmt.Println(renderProvenance(res))
	return nil
}
