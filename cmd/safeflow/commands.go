package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/broker"
	"github.com/safeflowhq/safeflow/pkg/config"
	"github.com/safeflowhq/safeflow/pkg/schema"
	"github.com/safeflowhq/safeflow/pkg/workflow"
)

// ServeCmd serves the tool broker over stdio. Stdout carries the wire
// protocol; logs go to stderr.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	shutdownTracing := initTracing(ctx, cfg)
	defer shutdownTracing()

	reg, err := newAdapterRegistry()
	if err != nil {
		return err
	}
	srv, err := broker.NewServer(cfg.Broker, reg)
	if err != nil {
		return err
	}

	slog.Info("broker serving on stdio", "tools", len(reg.Capabilities()),
		"max_parallel_scans", cfg.Broker.MaxParallelScans)
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

// ScanCmd runs one tool against a target and prints the scan response.
type ScanCmd struct {
	Tool   string `arg:"" help:"Tool id (semgrep, syft, trivy, zap)."`
	Target string `arg:"" help:"Path, image reference, or URL to scan."`

	Kind        string        `help:"Target kind (LOCAL_PATH, GIT_REPO, CONTAINER_IMAGE, HTTP_URL)." default:"LOCAL_PATH"`
	Language    string        `help:"Primary language hint for SAST tools."`
	Timeout     time.Duration `help:"Per-scan timeout ceiling."`
	MaxFindings int           `name:"max-findings" help:"Truncate findings beyond this count."`
	Network     bool          `help:"Allow the tool outbound network access."`
	Fallback    string        `help:"Tool to fail over to when the primary binary is missing."`
}

func (c *ScanCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	shutdownTracing := initTracing(ctx, cfg)
	defer shutdownTracing()

	reg, err := newAdapterRegistry()
	if err != nil {
		return err
	}

	kind := schema.TargetKind(strings.ToUpper(c.Kind))
	target := schema.Target{Kind: kind}
	if kind == schema.TargetHTTPURL {
		target.URL = c.Target
	} else {
		target.Path = c.Target
	}

	req := &schema.ScanRequest{
		ScanID:  uuid.NewString(),
		Target:  target,
		Options: schema.ScanOptions{Language: c.Language},
		Limits: schema.ScanLimits{
			Timeout:     c.Timeout,
			MaxFindings: c.MaxFindings,
		},
		NetworkAllowed: c.Network,
		FallbackToolID: c.Fallback,
	}

	start := time.Now()
	result, execErr := reg.Execute(ctx, c.Tool, req, adapter.ExecContext{
		NetworkAllowed: c.Network,
		GracePeriod:    cfg.Workflow.GracePeriod,
	}, nil)

	resp := schema.ScanResponse{
		ScanID:           req.ScanID,
		ToolName:         c.Tool,
		TargetPath:       target.Locator(),
		ExecutionTimeSec: time.Since(start).Seconds(),
		ScannedAt:        time.Now().UTC(),
	}
	if result != nil {
		resp.Success = execErr == nil || result.Partial
		resp.Findings = result.Findings
		resp.VulnerabilityCount = len(result.Findings)
		resp.Diagnostics = result.Diagnostics
	}
	if execErr != nil {
		resp.Error = &schema.ResponseError{
			Kind:    string(adapter.KindOf(execErr)),
			Message: execErr.Error(),
		}
	}

	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("scan failed: %w", execErr)
	}
	return nil
}

// RunCmd runs a workflow template to completion and prints the summary.
type RunCmd struct {
	Template string `arg:"" help:"Workflow template (code_commit, dependency_update, emergency_vuln, release_regression)."`
	Target   string `arg:"" help:"Path, image reference, or URL to scan."`

	Kind     string   `help:"Target kind (LOCAL_PATH, GIT_REPO, CONTAINER_IMAGE, HTTP_URL)." default:"LOCAL_PATH"`
	Tools    []string `help:"Explicit tool ids; defaults to every tool matching the template."`
	Language string   `help:"Primary language hint for SAST tools."`
	Network  bool     `help:"Allow tools outbound network access."`
	Approve  bool     `help:"Auto-approve human review gates."`
	Reviewer string   `help:"Reviewer name recorded on approval." default:"cli"`
	Events   bool     `help:"Print the workflow event stream after completion."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	shutdownTracing := initTracing(ctx, cfg)
	defer shutdownTracing()

	engine, store, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	kind := schema.TargetKind(strings.ToUpper(c.Kind))
	target := schema.Target{Kind: kind}
	if kind == schema.TargetHTTPURL {
		target.URL = c.Target
	} else {
		target.Path = c.Target
	}

	id, err := engine.Start(ctx, workflow.Request{
		Type:           workflow.Type(c.Template),
		Target:         target,
		ToolIDs:        c.Tools,
		Options:        schema.ScanOptions{Language: c.Language},
		NetworkAllowed: c.Network,
		TriggeredBy:    c.Reviewer,
	})
	if err != nil {
		return err
	}
	slog.Info("workflow started", "workflow_id", id, "template", c.Template)

	if err := c.watch(ctx, engine, id); err != nil {
		return err
	}

	if c.Events {
		for _, event := range engine.Events().History(id, 0) {
			fmt.Printf("%4d  %-20s %s\n", event.Seq, event.Type, eventDetail(event))
		}
	}

	summary, err := engine.Summary(ctx, id)
	if err != nil {
		return err
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.Phase != workflow.PhaseSucceeded {
		return fmt.Errorf("workflow %s finished %s: %s", id, summary.Phase, summary.Error)
	}
	return nil
}

// watch polls the workflow until a terminal phase, releasing review gates
// along the way.
func (c *RunCmd) watch(ctx context.Context, engine *workflow.Engine, id string) error {
	for {
		state, err := engine.Get(ctx, id)
		if err != nil {
			return err
		}
		if state.Phase.Terminal() {
			return nil
		}
		if state.Phase == workflow.PhasePaused {
			if !c.Approve {
				return fmt.Errorf("workflow %s paused for review; re-run with --approve or resume it later", id)
			}
			if err := engine.Resume(id, &workflow.ReviewDecision{
				Approved: true,
				Reviewer: c.Reviewer,
			}); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ToolsCmd lists the registered scan tools.
type ToolsCmd struct{}

func (c *ToolsCmd) Run() error {
	reg, err := newAdapterRegistry()
	if err != nil {
		return err
	}
	for _, capability := range reg.Capabilities() {
		kinds := make([]string, 0, len(capability.InputRequirements.TargetKinds))
		for _, k := range capability.InputRequirements.TargetKinds {
			kinds = append(kinds, string(k))
		}
		fmt.Printf("%-10s %-10s targets=%s", capability.ToolID, capability.Category, strings.Join(kinds, ","))
		if len(capability.SupportedLanguages) > 0 {
			fmt.Printf(" languages=%s", strings.Join(capability.SupportedLanguages, ","))
		}
		fmt.Println()
	}
	return nil
}

// WorkflowsCmd lists workflow templates and recorded workflows.
type WorkflowsCmd struct{}

func (c *WorkflowsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	engine, store, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("Templates:")
	for _, tmpl := range engine.Templates().List() {
		kinds := make([]string, 0, len(tmpl.Nodes))
		for _, node := range tmpl.Nodes {
			kinds = append(kinds, string(node.Kind))
		}
		fmt.Printf("  %-20s %s\n", tmpl.Type, strings.Join(kinds, " -> "))
	}

	metas, err := engine.List(context.Background())
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		return nil
	}
	fmt.Println("\nRecorded workflows:")
	for _, meta := range metas {
		fmt.Printf("  %s  %-20s %-10s %s\n",
			meta.WorkflowID, meta.WorkflowType, meta.Phase, meta.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// ValidateCmd checks a configuration file.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate; defaults to --config." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given")
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

func eventDetail(event workflow.Event) string {
	parts := []string{}
	if event.NodeKind != "" {
		parts = append(parts, fmt.Sprintf("node=%s[%d]", event.NodeKind, event.NodeIndex))
	}
	if event.ToolID != "" {
		parts = append(parts, "tool="+event.ToolID)
	}
	if event.Status != "" {
		parts = append(parts, "status="+string(event.Status))
	}
	if event.Phase != "" {
		parts = append(parts, "phase="+string(event.Phase))
	}
	if event.Message != "" {
		parts = append(parts, event.Message)
	}
	return strings.Join(parts, " ")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
