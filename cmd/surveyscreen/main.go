package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Mindburn-Labs/surveyscreen/pkg/config"
	"github.com/Mindburn-Labs/surveyscreen/pkg/pipeline"
	"github.com/Mindburn-Labs/surveyscreen/pkg/telemetry"
)

const version = "0.3.0"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#39c5cf"))
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3fb950"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d29922"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149"))
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "surveyscreen %s\n", version)
		return 0
	}

	for _, stage := range pipeline.Stages() {
		if string(stage) == args[1] {
			return runStage(stage, args[2:], stdout, stderr)
		}
	}
	_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, titleStyle.Render("surveyscreen "+version))
	_, _ = fmt.Fprintln(w, mutedStyle.Render("Rule-based screening of survey responses."))
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, sectionStyle.Render("USAGE:"))
	_, _ = fmt.Fprintln(w, "  surveyscreen <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "STAGES")
	printCommand(w, "similar", "Mark near-duplicate open-text answers (fuzzy_string sheet)")
	printCommand(w, "flag", "Apply flags and initial classification rules")
	printCommand(w, "describe", "Print flag and classification descriptives (--final)")
	printCommand(w, "review", "Show manual review instructions")
	printCommand(w, "finalize", "Apply final classification rules to the reviewed file")

	printSection(w, "UTILITIES")
	printCommand(w, "validate", "Load and compile every sheet of the ruleset")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "FLAGS")
	_, _ = fmt.Fprintln(w, "  --config file    YAML configuration file")
	_, _ = fmt.Fprintln(w, "  --ruleset path   Ruleset workbook (YAML file or directory of sheet CSVs)")
	_, _ = fmt.Fprintln(w, "  --data file      Input dataset, overriding the filepaths sheet")
	_, _ = fmt.Fprintln(w, "  --out file       Output dataset, overriding the filepaths sheet")
	_, _ = fmt.Fprintln(w, "  --sqlite file    Also write the output table to a SQLite database")
	_, _ = fmt.Fprintln(w, "  --final          Final descriptives (describe only)")
	_, _ = fmt.Fprintln(w, "  --json           Print the stage result as JSON")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, sectionStyle.Render(title+":"))
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s %s\n", commandStyle.Render(fmt.Sprintf("%-10s", name)), desc)
}

func runStage(stage pipeline.Stage, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet(string(stage), flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath  string
		rulesetPath string
		opts        pipeline.RunOptions
		jsonOutput  bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.StringVar(&rulesetPath, "ruleset", "", "Ruleset workbook path")
	cmd.StringVar(&opts.Input, "data", "", "Input dataset")
	cmd.StringVar(&opts.Output, "out", "", "Output dataset")
	cmd.StringVar(&opts.SQLite, "sqlite", "", "SQLite database for the output table")
	cmd.BoolVar(&opts.Final, "final", false, "Final descriptives")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "Error: unexpected arguments: %v\n", cmd.Args())
		return 2
	}
	if opts.Final && stage != pipeline.StageDescribe {
		_, _ = fmt.Fprintln(stderr, "Error: --final only applies to describe")
		return 2
	}
	opts.Quiet = jsonOutput

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if rulesetPath != "" {
		cfg.Ruleset = rulesetPath
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := telemetry.Disabled()
	if cfg.Telemetry.Enabled {
		p, err := telemetry.New(ctx, &cfg.Telemetry, telemetry.WithLogger(logger))
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			provider = p
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	p, err := pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithTelemetry(provider),
		pipeline.WithOutput(stdout),
	)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return 1
	}

	res, err := p.Run(ctx, stage, opts)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	printResult(stdout, res)
	return 0
}

func printResult(w io.Writer, res *pipeline.Result) {
	for _, warning := range res.Warnings {
		_, _ = fmt.Fprintln(w, warnStyle.Render("WARNING: "+warning))
	}
	switch res.Stage {
	case pipeline.StageSimilar, pipeline.StageFlag, pipeline.StageFinalize:
		_, _ = fmt.Fprintf(w, "Dimensions before: (%d, %d). Dimensions after: (%d, %d).\n",
			res.Rows, res.ColumnsBefore, res.Rows, res.ColumnsAfter)
		_, _ = fmt.Fprintf(w, "Saved %s\n", res.Output)
		if res.SQLite != "" {
			_, _ = fmt.Fprintf(w, "Saved %s\n", res.SQLite)
		}
	case pipeline.StageDescribe:
		if res.Descriptives != nil && len(res.Descriptives.Files) == 0 {
			_, _ = fmt.Fprintln(w, mutedStyle.Render("Co-occurrence matrices are not saved as 'figure_folder' is not provided."))
		}
	case pipeline.StageValidate:
		v := res.Validation
		_, _ = fmt.Fprintf(w, "Ruleset OK: %d flags, %d initial rules, %d final rules, %d fuzzy columns\n",
			v.Flags, v.InitialRules, v.FinalRules, len(v.FuzzyColumns))
	}
	_, _ = fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("Elapsed %s (run %s)", res.Elapsed.Round(time.Millisecond), res.RunID)))
}
