package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/basket/sdoh-analyst/internal/mcp"
)

const remoteTool = "analyze_neighborhood"

// ToolCaller is the part of an MCP client RemoteAnalyzer needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args any) (mcp.ToolResult, error)
}

// RemoteAnalyzer delegates analysis to an MCP server exposing an
// analyze_neighborhood tool with the same report shape.
type RemoteAnalyzer struct {
	client   ToolCaller
	logger   *slog.Logger
	validate *validator.Validate
}

func NewRemoteAnalyzer(client ToolCaller, logger *slog.Logger) *RemoteAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteAnalyzer{client: client, logger: logger.With("component", "geo"), validate: validator.New()}
}

func (r *RemoteAnalyzer) Analyze(ctx context.Context, req Request) (Report, error) {
	if err := validateRequest(r.validate, &req); err != nil {
		return Report{}, err
	}
	res, err := r.client.CallTool(ctx, remoteTool, req)
	if err != nil {
		return Report{}, fmt.Errorf("remote neighborhood analysis: %w", err)
	}
	raw := res.StructuredContent
	if len(raw) == 0 {
		raw = json.RawMessage(res.Text())
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, fmt.Errorf("decode remote report: %w", err)
	}
	for name, g := range report.MetricGroups {
		if g.Error != "" {
			report.Warnings = append(report.Warnings, name+": "+g.Error)
		}
	}
	sort.Strings(report.Warnings)
	return report, nil
}
