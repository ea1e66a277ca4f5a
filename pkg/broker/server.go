package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/scheduler"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 16 * 1024 * 1024

// OverflowPolicy selects what happens to tools/call requests beyond
// MaxParallelScans.
type OverflowPolicy string

const (
	// OverflowReject answers excess calls with -32004 Busy.
	OverflowReject OverflowPolicy = "reject"
	// OverflowQueue holds excess calls until a slot frees.
	OverflowQueue OverflowPolicy = "queue"
)

// Config enumerates every broker knob.
type Config struct {
	// MaxParallelScans bounds concurrently admitted tools/call requests.
	// Mirrors the scheduler's parallelism so the broker applies the same
	// backpressure.
	MaxParallelScans int            `yaml:"max_parallel_scans,omitempty"`
	Overflow         OverflowPolicy `yaml:"overflow,omitempty"`
	HistoryLimit     int            `yaml:"history_limit,omitempty"`
	GracePeriod      time.Duration  `yaml:"grace_period,omitempty"`
	WorkDir          string         `yaml:"work_dir,omitempty"`
	DrainTimeout     time.Duration  `yaml:"drain_timeout,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.MaxParallelScans <= 0 {
		c.MaxParallelScans = scheduler.DefaultMaxParallel
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = adapter.DefaultGracePeriod
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Overflow {
	case OverflowReject, OverflowQueue:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q (expected reject or queue)", c.Overflow)
	}
}

// Server speaks the line protocol over one connection, usually stdio.
// Requests are answered in completion order: scans run concurrently under
// the session bound while control methods answer inline.
type Server struct {
	cfg       Config
	adapters  *adapter.Registry
	session   *Session
	results   *resultStore
	argSchema json.RawMessage

	out   io.Writer
	outMu sync.Mutex
	wg    sync.WaitGroup
}

func NewServer(cfg Config, adapters *adapter.Registry) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	argSchema, err := callArgumentsSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		adapters:  adapters,
		session:   NewSession(cfg.MaxParallelScans),
		results:   newResultStore(cfg.HistoryLimit),
		argSchema: argSchema,
	}, nil
}

// Session exposes the state machine, mostly for tests and shutdown hooks.
func (s *Server) Session() *Session {
	return s.session
}

// Serve reads newline-delimited JSON-RPC requests until EOF or context
// cancellation, then drains in-flight scans and closes the session.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(NewErrorResponse(nil, CodeParseError, "invalid JSON", nil))
			continue
		}
		if req.JSONRPC != "2.0" {
			s.write(NewErrorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil))
			continue
		}
		s.dispatch(ctx, &req)
	}

	drained := s.session.BeginShutdown()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		slog.Warn("broker drain timed out", "in_flight", s.session.InFlight())
	}
	s.wg.Wait()
	s.session.Close()

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("broker read failed: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
		s.session.Serve()
	case "shutdown":
		s.session.BeginShutdown()
		if !req.IsNotification() {
			s.write(NewResponse(req.ID, map[string]any{}))
		}
	case "ping":
		if !req.IsNotification() {
			s.write(NewResponse(req.ID, map[string]any{}))
		}
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	case "resources/list":
		s.handleResourcesList(req)
	case "resources/read":
		s.handleResourcesRead(req)
	default:
		if !req.IsNotification() {
			s.write(NewErrorResponse(req.ID, CodeMethodNotFound,
				fmt.Sprintf("unknown method %q", req.Method), nil))
		}
	}
}

func (s *Server) handleInitialize(req *Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.write(NewErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil))
			return
		}
	}
	if rpcErr := s.session.Initialize(params.ClientInfo); rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}

	slog.Info("broker session initialized",
		"client", params.ClientInfo.Name, "version", params.ClientInfo.Version)
	s.write(NewResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      Implementation{Name: ServerName, Version: ServerVersion},
		Capabilities: ServerCapabilities{
			Tools:     map[string]any{},
			Resources: map[string]any{},
		},
	}))
}

func (s *Server) handleToolsList(req *Request) {
	if rpcErr := s.session.CheckReady(); rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}

	result := ToolsListResult{Tools: []ToolDescriptor{}}
	for _, capability := range s.adapters.Capabilities() {
		description := capability.Description
		if description == "" {
			description = fmt.Sprintf("%s (%s)", capability.ToolName, capability.Category)
		}
		result.Tools = append(result.Tools, ToolDescriptor{
			Name:        capability.ToolID,
			Description: description,
			InputSchema: s.argSchema,
			Category:    capability.Category,
			Available:   s.adapters.Available(capability.ToolID),
			Capability:  &capability,
		})
	}
	s.write(NewResponse(req.ID, result))
}

// handleToolsCall admits the scan under the session bound and runs it on
// its own goroutine, so slow tools never block control traffic.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.write(NewErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil))
		return
	}
	if params.Name == "" {
		s.write(NewErrorResponse(req.ID, CodeInvalidParams, "tool name is required", nil))
		return
	}

	var args CallArguments
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.write(NewErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil))
			return
		}
	}

	if s.cfg.Overflow == OverflowQueue {
		// Admission waits off the read loop so control traffic keeps flowing.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if rpcErr := s.session.AwaitScan(ctx); rpcErr != nil {
				s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
				return
			}
			defer s.session.ReleaseScan()
			s.write(s.runScan(ctx, req.ID, params.Name, args))
		}()
		return
	}

	if rpcErr := s.session.AcquireScan(); rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.session.ReleaseScan()
		s.write(s.runScan(ctx, req.ID, params.Name, args))
	}()
}

// runScan executes one tool and packages the outcome. Failures are recorded
// in history and surfaced as taxonomy-mapped JSON-RPC errors.
func (s *Server) runScan(ctx context.Context, id json.RawMessage, toolID string, args CallArguments) Response {
	ctx, span := observability.GetTracer("safeflow.broker").Start(ctx, "broker.tools_call")
	span.SetAttributes(attribute.String("tool.id", toolID))
	defer span.End()

	scanID := args.ScanID
	if scanID == "" {
		scanID = uuid.NewString()
	}
	scanReq := &schema.ScanRequest{
		ScanID:         scanID,
		Target:         args.Target,
		Options:        args.Options,
		Limits:         args.Limits,
		NetworkAllowed: args.NetworkAllowed,
		FallbackToolID: args.FallbackToolID,
	}
	execCtx := adapter.ExecContext{
		WorkDir:        s.cfg.WorkDir,
		NetworkAllowed: args.NetworkAllowed,
		GracePeriod:    s.cfg.GracePeriod,
	}

	start := time.Now()
	result, err := s.adapters.Execute(ctx, toolID, scanReq, execCtx, nil)

	resp := &schema.ScanResponse{
		ScanID:           scanID,
		ToolName:         toolID,
		TargetPath:       args.Target.Locator(),
		ExecutionTimeSec: time.Since(start).Seconds(),
		ScannedAt:        time.Now().UTC(),
	}
	if result != nil {
		resp.Findings = result.Findings
		resp.VulnerabilityCount = len(result.Findings)
		resp.Diagnostics = result.Diagnostics
	}

	if err != nil && (result == nil || !result.Partial) {
		resp.Success = false
		resp.Error = &schema.ResponseError{
			Kind:    string(adapter.KindOf(err)),
			Message: err.Error(),
		}
		s.results.Put(resp)
		rpcErr := ErrorFromAdapter(err)
		return NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	// A partial timeout still returns the salvaged findings.
	resp.Success = true
	if err != nil {
		resp.Error = &schema.ResponseError{
			Kind:    string(adapter.KindOf(err)),
			Message: err.Error(),
		}
	}
	s.results.Put(resp)

	payload, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return NewErrorResponse(id, CodeInternalError, marshalErr.Error(), nil)
	}
	return NewResponse(id, CallResult{
		Content: []ContentItem{{Type: "text", Text: string(payload)}},
	})
}

func (s *Server) handleResourcesList(req *Request) {
	if rpcErr := s.session.CheckReady(); rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}
	s.write(NewResponse(req.ID, s.results.listResources()))
}

func (s *Server) handleResourcesRead(req *Request) {
	if rpcErr := s.session.CheckReady(); rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}
	var params ResourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.write(NewErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil))
		return
	}
	result, rpcErr := s.results.readResource(params.URI)
	if rpcErr != nil {
		s.write(NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil))
		return
	}
	s.write(NewResponse(req.ID, result))
}

// write emits one response as a single line. The mutex keeps concurrent
// scan completions from interleaving bytes.
func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
