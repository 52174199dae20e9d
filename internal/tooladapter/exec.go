package tooladapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// ExecBinding runs allow-listed binaries. Commands arrive as shell strings
// from a provider, so they are parsed structurally before anything runs:
// exactly one plain call, no pipes, no redirections, no substitutions.
type ExecBinding struct {
	logger  *zap.Logger
	allowed map[string]struct{}
}

// NewExecBinding creates the binding with its binary allow-list.
func NewExecBinding(logger *zap.Logger, allowedBinaries []string) *ExecBinding {
	allowed := make(map[string]struct{}, len(allowedBinaries))
	for _, bin := range allowedBinaries {
		allowed[strings.ToLower(bin)] = struct{}{}
	}
	return &ExecBinding{
		logger:  logger.Named("tool.exec"),
		allowed: allowed,
	}
}

func (e *ExecBinding) Name() string { return "exec" }

// Run validates and executes the action's command.
func (e *ExecBinding) Run(ctx context.Context, action schemas.Action) (Result, error) {
	argv, err := e.parseCommand(action.Command)
	if err != nil {
		return Result{}, fmt.Errorf("command rejected: %w", err)
	}

	binary := strings.ToLower(filepath.Base(argv[0]))
	if _, ok := e.allowed[binary]; !ok {
		return Result{}, fmt.Errorf("binary %q is not on the allow-list", binary)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The process ran and failed; the adapter classifies this.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("start %q: %w", binary, runErr)
	}
	return result, nil
}

// parseCommand turns the shell string into argv, rejecting any structure
// beyond a single plain invocation.
func (e *ExecBinding) parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("unparseable shell syntax: %w", err)
	}
	if len(file.Stmts) != 1 {
		return nil, fmt.Errorf("expected exactly one command, got %d", len(file.Stmts))
	}

	stmt := file.Stmts[0]
	if len(stmt.Redirs) > 0 {
		return nil, fmt.Errorf("redirections are not permitted")
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("pipes, lists and compound commands are not permitted")
	}
	if len(call.Assigns) > 0 {
		return nil, fmt.Errorf("environment assignments are not permitted")
	}

	var structural error
	syntax.Walk(stmt, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst, *syntax.ParamExp:
			structural = fmt.Errorf("substitutions are not permitted")
			return false
		}
		return true
	})
	if structural != nil {
		return nil, structural
	}

	argv, err := shell.Fields(command, nil)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}
