package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
	"github.com/xkilldash9x/greyhat-cli/internal/observability"
	"github.com/xkilldash9x/greyhat-cli/internal/reporting"
	"github.com/xkilldash9x/greyhat-cli/internal/session"
)

// newAssessCmd creates the `assess` command: a single foreground session with
// confirmations resolved at the terminal.
func newAssessCmd() *cobra.Command {
	var (
		scope     []string
		providers []string
		output    string
		format    string
		autoYes   bool
	)

	assessCmd := &cobra.Command{
		Use:   "assess [target]",
		Short: "Runs an autonomous assessment session against a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			prompter := &terminalPrompter{
				logger:  logger,
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
				autoYes: autoYes,
			}

			comps, err := initializeComponents(ctx, cfg, logger, prompter)
			if err != nil {
				return err
			}
			defer comps.Shutdown(ctx)
			prompter.resolve = comps.Manager.Resolve

			record, err := comps.Manager.Start(ctx, args[0], session.StartOptions{
				Scope:            scope,
				EnabledProviders: providers,
				VoiceEnabled:     cfg.Voice.Enabled,
			})
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s started against %s\n", record.ID, record.Target.Raw)

			// Tail the stream for the summary while the session runs.
			sub, err := comps.Manager.Subscribe(record.ID, 0)
			if err != nil {
				return err
			}

			if err := comps.Manager.Wait(ctx, record.ID); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Assessment aborted by signal", zap.String("session_id", record.ID))
				} else {
					return err
				}
			}

			final, err := comps.Manager.Record(record.ID)
			if err != nil {
				return err
			}
			findings, err := comps.Manager.Findings(record.ID)
			if err != nil {
				return err
			}
			invocations := countInvocations(sub)

			report := reporting.Build(final, findings, invocations)
			if output != "" {
				if err := writeReport(report, format, output); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", output)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nSession %s finished with status %s: %d findings, %d tool invocations\n",
				final.ID, final.Status, len(findings), invocations)
			if final.Status != schemas.StatusCompleted {
				return fmt.Errorf("session ended with status %s", final.Status)
			}
			return nil
		},
	}

	assessCmd.Flags().StringSliceVar(&scope, "scope", nil, "Engagement allow-list. When set, the target itself must fall inside it.")
	assessCmd.Flags().StringSliceVar(&providers, "providers", nil, "Restrict the session to these configured provider backends.")
	assessCmd.Flags().StringVarP(&output, "output", "o", "", "Output file path for the report. If unset, no report is written.")
	assessCmd.Flags().StringVarP(&format, "format", "f", "markdown", "Report format ('markdown' or 'json').")
	assessCmd.Flags().BoolVar(&autoYes, "yes", false, "Approve every confirmation without prompting. Use with care.")
	return assessCmd
}

// countInvocations drains the finished session's stream and counts completed
// tool runs.
func countInvocations(sub *eventbus.Subscription) int {
	count := 0
	for {
		// The bus is closed once the session ends, so this never blocks long.
		event, err := sub.Next(context.Background())
		if err != nil {
			return count
		}
		if event.Type == schemas.EventToolCompleted {
			count++
		}
	}
}

func writeReport(report reporting.Report, format, path string) error {
	var data []byte
	switch strings.ToLower(format) {
	case "markdown", "md":
		data = []byte(report.Markdown())
	case "json":
		var err error
		data, err = report.JSON()
		if err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// terminalPrompter resolves confirmation requests interactively on stdin.
type terminalPrompter struct {
	logger  *zap.Logger
	in      io.Reader
	out     io.Writer
	autoYes bool
	resolve func(token string, approved bool, note string) error
}

// Observe tails the session stream and prompts for every confirmation
// request. Runs until the stream closes.
func (p *terminalPrompter) Observe(ctx context.Context, sessionID string, sub *eventbus.Subscription) {
	reader := bufio.NewReader(p.in)
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		req, ok := event.Payload.(schemas.ConfirmationRequestedPayload)
		if !ok {
			continue
		}

		approved := p.autoYes
		note := "auto-approved"
		if !p.autoYes {
			fmt.Fprintf(p.out, "\nConfirmation required: %s\nApprove? [y/N]: ", req.Summary)
			line, rerr := reader.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			approved = rerr == nil && (answer == "y" || answer == "yes")
			note = "resolved at terminal"
		}

		if err := p.resolve(req.Token, approved, note); err != nil {
			// The window may have expired while the operator was typing.
			p.logger.Warn("Failed to resolve confirmation",
				zap.String("token", req.Token),
				zap.Error(err))
		}
	}
}
