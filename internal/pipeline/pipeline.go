package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/promptlab/promptq/internal/generation"
	"github.com/promptlab/promptq/internal/mcptools"
)

// systemInstruction is the fixed instruction sent with every generation
// call.
const systemInstruction = "You are a security analysis assistant. Analyze user prompts and " +
	"use available tools when appropriate for security operations. Be decisive about tool usage."

// Progress milestones. Generation streaming moves progress between
// generationStart and generationEnd; tool execution divides the
// toolExecStart..finalizeAt range evenly across calls.
const (
	probeAt         = 2
	discoverAt      = 5
	prepareAt       = 10
	generationStart = 20
	generationEnd   = 80
	toolExecStart   = 80
	finalizeAt      = 95
)

// streamUpdateInterval throttles streamed progress writes to roughly two
// per second.
const streamUpdateInterval = 500 * time.Millisecond

// ProgressFunc receives progress updates as the pipeline advances. It is
// called before each stage and during generation streaming.
type ProgressFunc func(progress int, message string)

// Config tunes pipeline behavior. The zero value is usable.
type Config struct {
	// ProbeAttempts bounds health-probe retries before the job fails.
	ProbeAttempts int

	// ProbeDelay is the fixed wait between probe attempts.
	ProbeDelay time.Duration

	// EstimatedMaxTokens scales streamed token counts onto the
	// generation progress range.
	EstimatedMaxTokens int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeAttempts:      3,
		ProbeDelay:         5 * time.Second,
		EstimatedMaxTokens: 2048,
	}
}

// Pipeline turns a job's prompt into an analysis result while reporting
// progress. It holds no per-job state and is safe to share across workers.
type Pipeline struct {
	generator generation.Generator
	catalog   mcptools.Catalog
	cfg       Config
	logger    *slog.Logger
}

// New creates a Pipeline over the given collaborators.
func New(generator generation.Generator, catalog mcptools.Catalog, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 3
	}
	if cfg.ProbeDelay <= 0 {
		cfg.ProbeDelay = 5 * time.Second
	}
	if cfg.EstimatedMaxTokens <= 0 {
		cfg.EstimatedMaxTokens = 2048
	}
	return &Pipeline{
		generator: generator,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes the full analysis for one prompt. Errors from the health
// probe and the generation call are terminal for the job; discovery and
// individual tool failures are absorbed and recorded.
func (p *Pipeline) Run(ctx context.Context, prompt string, report ProgressFunc) (*Result, error) {
	if report == nil {
		report = func(int, string) {}
	}

	// Stage 1: health probe.
	report(probeAt, "Checking service health...")
	if err := p.probe(ctx, report); err != nil {
		return nil, err
	}

	// Stage 2: tool discovery. Tool use is optional, so failure degrades
	// to an empty tool set.
	report(discoverAt, "Discovering tools...")
	toolsByServer, err := p.catalog.Discover(ctx, "")
	if err != nil {
		p.logger.Warn("tool discovery failed, continuing without tools", "error", err)
		toolsByServer = map[string][]mcptools.Tool{}
	}

	report(prepareAt, "Preparing tools...")
	serverByTool := make(map[string]string)
	schemaByTool := make(map[string]map[string]any)
	var schemas []generation.ToolSchema
	for server, tools := range toolsByServer {
		for _, tool := range tools {
			serverByTool[tool.Name] = server
			schemaByTool[tool.Name] = tool.InputSchema
			schemas = append(schemas, generation.ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
	}

	// Stage 3: generation.
	report(generationStart, "Calling LLM...")
	resp, err := p.generate(ctx, prompt, schemas, report)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Content, "Error:") {
		return nil, fmt.Errorf("%w: %s", generation.ErrBackendUnavailable, resp.Content)
	}

	// Stage 4: tool execution.
	report(toolExecStart, "Processing tool calls...")
	servers, err := p.catalog.Servers(ctx)
	if err != nil {
		p.logger.Warn("could not enumerate tool servers", "error", err)
		servers = map[string]string{}
	}

	used := make(map[string]bool)
	outcomes := p.executeToolCalls(ctx, resp.ToolCalls, serverByTool, schemaByTool, used, report)

	// Stage 5: aggregation.
	report(finalizeAt, "Finalizing results...")
	usedServers := make([]string, 0, len(used))
	for name := range used {
		usedServers = append(usedServers, name)
	}
	sort.Strings(usedServers)

	riskLevel, riskColor := RiskSafe, "green"
	if len(usedServers) > 0 {
		riskLevel, riskColor = RiskHigh, "red"
	}

	message := resp.Content
	if message == "" {
		message = "No response from LLM"
	}

	return &Result{
		Prompt:              prompt,
		RiskLevel:           riskLevel,
		RiskColor:           riskColor,
		TotalServers:        len(servers),
		UsedServers:         usedServers,
		NumServersTriggered: len(usedServers),
		Message:             message,
		Content:             resp.Content,
		ToolCalls:           resp.ToolCalls,
		ToolResults:         outcomes,
		Analysis:            message,
	}, nil
}

// probe retries the backend health check with a fixed delay. Exhausting
// every attempt fails the job.
func (p *Pipeline) probe(ctx context.Context, report ProgressFunc) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ProbeAttempts; attempt++ {
		lastErr = p.generator.Probe(ctx)
		if lastErr == nil {
			return nil
		}

		p.logger.Warn("backend health check failed",
			"attempt", attempt,
			"max_attempts", p.cfg.ProbeAttempts,
			"error", lastErr)

		if attempt == p.cfg.ProbeAttempts {
			break
		}
		report(probeAt, fmt.Sprintf("Waiting for generation service (attempt %d/%d)...",
			attempt, p.cfg.ProbeAttempts))
		select {
		case <-time.After(p.cfg.ProbeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: service not reachable after %d attempts: %v",
		generation.ErrBackendUnavailable, p.cfg.ProbeAttempts, lastErr)
}

// generate calls the backend, streaming token progress when the backend
// supports it and jumping straight to the end bound when it does not.
func (p *Pipeline) generate(
	ctx context.Context,
	prompt string,
	schemas []generation.ToolSchema,
	report ProgressFunc,
) (*generation.Response, error) {
	messages := []generation.Message{
		{Role: "system", Content: systemInstruction},
		{Role: "user", Content: prompt},
	}

	sg, ok := p.generator.(generation.StreamGenerator)
	if !ok {
		return p.generator.Generate(ctx, messages, schemas)
	}

	var lastUpdate time.Time
	onToken := func(tokens int) {
		now := time.Now()
		if now.Sub(lastUpdate) < streamUpdateInterval {
			return
		}
		lastUpdate = now

		frac := float64(tokens) / float64(p.cfg.EstimatedMaxTokens)
		if frac > 1 {
			frac = 1
		}
		progress := generationStart + int(float64(generationEnd-generationStart)*frac)
		report(progress, "Generating response...")
	}
	return sg.GenerateStream(ctx, messages, schemas, onToken)
}

// executeToolCalls runs each requested call, coercing arguments to the
// tool's declared schema types. A failed call is recorded and never aborts
// the remaining calls.
func (p *Pipeline) executeToolCalls(
	ctx context.Context,
	calls []generation.ToolCall,
	serverByTool map[string]string,
	schemaByTool map[string]map[string]any,
	used map[string]bool,
	report ProgressFunc,
) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(calls))
	if len(calls) == 0 {
		return outcomes
	}

	step := float64(finalizeAt-toolExecStart) / float64(len(calls))
	for i, call := range calls {
		report(toolExecStart+int(float64(i)*step),
			fmt.Sprintf("Executing tool %d/%d...", i+1, len(calls)))

		server, ok := serverByTool[call.Name]
		if !ok {
			p.logger.Warn("model requested unknown tool", "tool", call.Name)
			continue
		}

		args := coerceArguments(call.Arguments, schemaByTool[call.Name])
		used[server] = true

		result, err := p.catalog.Invoke(ctx, server, call.Name, args)
		if err != nil {
			p.logger.Warn("tool invocation failed",
				"server", server, "tool", call.Name, "error", err)
			outcomes = append(outcomes, ToolOutcome{
				Tool:   call.Name,
				Result: fmt.Sprintf("Tool execution failed: %v", err),
			})
			continue
		}
		outcomes = append(outcomes, ToolOutcome{Tool: call.Name, Result: result})
	}
	return outcomes
}

// coerceArguments converts string-typed argument values to the types the
// tool's schema declares. Values that fail conversion keep their original
// form; the tool server gets to reject them itself.
func coerceArguments(args map[string]any, schema map[string]any) map[string]any {
	if len(args) == 0 || schema == nil {
		return args
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}

	out := make(map[string]any, len(args))
	for name, value := range args {
		out[name] = value

		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		expected, _ := prop["type"].(string)
		str, isString := value.(string)
		if !isString {
			continue
		}

		switch expected {
		case "number":
			if f, err := strconv.ParseFloat(str, 64); err == nil {
				out[name] = f
			}
		case "integer":
			if n, err := strconv.Atoi(str); err == nil {
				out[name] = n
			}
		case "boolean":
			switch strings.ToLower(str) {
			case "true", "1", "yes":
				out[name] = true
			default:
				out[name] = false
			}
		}
	}
	return out
}
