package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/galaxy/internal/app"
	"github.com/rendis/galaxy/internal/diagram"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// runPlan validates a graph file and prints its execution order.
func runPlan(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	format := fs.String("format", "json", "output format: json, mermaid or ascii")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("plan: expected exactly one workflow file")
	}

	wf, err := readWorkflowFile(fs.Arg(0))
	if err != nil {
		return err
	}

	a, err := app.New(context.Background(), app.Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	order, levels, err := a.Service.Plan(&wf.Graph)
	if err != nil {
		return err
	}

	switch *format {
	case "json":
		return writeIndented(out, map[string]any{"order": order, "levels": levels})
	case "mermaid", "ascii":
		model, err := diagram.Build(wf.Name, &wf.Graph, nil)
		if err != nil {
			return err
		}
		if *format == "mermaid" {
			_, err = fmt.Fprint(out, diagram.RenderMermaid(model))
		} else {
			_, err = fmt.Fprint(out, diagram.RenderASCII(model))
		}
		return err
	default:
		return fmt.Errorf("plan: unknown format %q", *format)
	}
}

// runOnce executes a workflow file to completion and prints the result.
func runOnce(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mock := fs.Bool("mock", false, "complete provider calls locally")
	dbPath := fs.String("db", "", "record the run in this libSQL database (default in-memory)")
	timeout := fs.Duration("timeout", 0, "abort the run after this long (0 = no limit)")
	showDiagram := fs.Bool("diagram", false, "print an ASCII diagram of the finished run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("run: expected exactly one workflow file")
	}

	wf, err := readWorkflowFile(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	opts, err := cfg.appOptions(logger)
	if err != nil {
		return err
	}
	opts.DBPath = *dbPath
	if *mock {
		opts.MockProviders = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	saved, err := a.Service.SaveWorkflow(ctx, wf)
	if err != nil {
		return err
	}
	res, err := a.Service.RunSync(ctx, saved.ID, engine.TriggerManual)
	if res == nil {
		return err
	}
	if err := writeIndented(out, res); err != nil {
		return err
	}

	if *showDiagram {
		details, derr := a.Service.GetRun(context.Background(), res.RunID)
		if derr != nil {
			return derr
		}
		model, derr := diagram.Build(res.RunID, &saved.Graph, details.Nodes)
		if derr != nil {
			return derr
		}
		fmt.Fprint(out, diagram.RenderASCII(model))
	}

	if res.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s ended %s: %s", res.RunID, res.Status, res.Error)
	}
	return nil
}

// readWorkflowFile accepts a workflow document or a bare graph.
func readWorkflowFile(path string) (*store.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}

	var wf store.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s", path).WithCause(err)
	}
	if len(wf.Graph.Nodes) == 0 {
		if err := json.Unmarshal(data, &wf.Graph); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s", path).WithCause(err)
		}
	}
	return &wf, nil
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
