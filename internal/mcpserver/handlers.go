package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	"github.com/mbd888/defirisk/internal/analyzer"
	"github.com/mbd888/defirisk/internal/risk"
)

const defaultHistoryLimit = 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client, logger *slog.Logger) *Handlers {
	return &Handlers{client: client, logger: logger.With("component", "mcp")}
}

// HandleAnalyzeProtocol assesses one protocol.
func (h *Handlers) HandleAnalyzeProtocol(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("protocol", ""))
	if name == "" {
		return mcp.NewToolResultError("protocol is required"), nil
	}

	a, err := h.client.Analyze(ctx, name)
	if err != nil {
		return h.toolError("analyze "+name, err), nil
	}
	return mcp.NewToolResultText(formatAssessment(a)), nil
}

// HandleCompareProtocols ranks several protocols.
func (h *Handlers) HandleCompareProtocols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := stringList(req.GetArguments()["protocols"])
	if len(names) < risk.MinCompare || len(names) > risk.MaxCompare {
		return mcp.NewToolResultError(fmt.Sprintf("protocols must list %d to %d names", risk.MinCompare, risk.MaxCompare)), nil
	}

	cmp, err := h.client.Compare(ctx, names)
	if err != nil {
		return h.toolError("compare", err), nil
	}
	return mcp.NewToolResultText(formatComparison(cmp)), nil
}

// HandleGetIncidents lists a protocol's incidents.
func (h *Handlers) HandleGetIncidents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("protocol", ""))
	if name == "" {
		return mcp.NewToolResultError("protocol is required"), nil
	}

	report, err := h.client.Incidents(ctx, name, req.GetString("min_severity", ""))
	if err != nil {
		return h.toolError("incidents for "+name, err), nil
	}
	return mcp.NewToolResultText(formatIncidents(report)), nil
}

// HandleGetHistory lists recorded assessments.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := strings.TrimSpace(req.GetString("slug", ""))
	if slug == "" {
		return mcp.NewToolResultError("slug is required"), nil
	}
	limit := req.GetInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, 100)

	list, err := h.client.History(ctx, slug, limit)
	if err != nil {
		return h.toolError("history for "+slug, err), nil
	}
	return mcp.NewToolResultText(formatHistory(slug, list)), nil
}

// toolError turns a client error into a tool-level error result. API
// errors are the caller's problem; transport errors are also logged.
func (h *Handlers) toolError(op string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "protocol_not_found":
			return mcp.NewToolResultError("Protocol not found. Try the exact DefiLlama name or slug.")
		case "upstream_unavailable":
			return mcp.NewToolResultError("Protocol data source is temporarily unavailable. Try again shortly.")
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", op, err))
	}
	h.logger.Warn("risk API request failed", "op", op, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", op, err))
}

// --- formatting ---

func formatAssessment(a *risk.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", a.Protocol, a.Slug)
	fmt.Fprintf(&sb, "Overall risk: %.1f/10 (%s)\n", a.Score.Overall, a.Score.Level)
	fmt.Fprintf(&sb, "TVL: %s\n", formatUSD(a.TVL))

	sb.WriteString("\nFactors:\n")
	for _, f := range a.Score.Factors {
		fmt.Fprintf(&sb, "- %s: %.1f (weight %.0f%%) %s", f.Name, f.Score, f.Weight*100, f.Description)
		if f.Unavailable {
			sb.WriteString(" [data unavailable]")
		}
		sb.WriteByte('\n')
	}

	writeList(&sb, "Warnings", a.Warnings)
	writeList(&sb, "Recommendations", a.Recommendations)
	fmt.Fprintf(&sb, "\nAssessed at %s (id %s)", a.AssessedAt.Format("2006-01-02 15:04 MST"), a.ID)
	return sb.String()
}

func formatComparison(c *risk.Comparison) string {
	var sb strings.Builder
	sb.WriteString("Ranking (lowest risk first):\n")
	for _, r := range c.Ranking {
		fmt.Fprintf(&sb, "%d. %s: %.1f/10 (%s), TVL %s\n", r.Rank, r.Name, r.Overall, r.Level, formatUSD(r.TVL))
	}
	if c.Recommendation != "" {
		fmt.Fprintf(&sb, "\n%s\n", c.Recommendation)
	}
	if len(c.Errors) > 0 {
		sb.WriteString("\nCould not assess:\n")
		for _, name := range sortedKeys(c.Errors) {
			fmt.Fprintf(&sb, "- %s: %s\n", name, c.Errors[name])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatIncidents(r *analyzer.IncidentReport) string {
	if len(r.Incidents) == 0 {
		return fmt.Sprintf("No recorded incidents for %s.", r.Protocol)
	}

	var sb strings.Builder
	s := r.Summary
	fmt.Fprintf(&sb, "%s: %d incident(s), %d critical, %d high, %d unfixed, %s lost in total\n",
		r.Protocol, s.Count, s.Critical, s.High, s.Unfixed, formatAmount(s.TotalLoss))
	sb.WriteByte('\n')
	for _, inc := range r.Incidents {
		status := "unfixed"
		if inc.Fixed {
			status = "fixed"
		}
		fmt.Fprintf(&sb, "- %s %s: %s lost (%s, %s)\n",
			inc.Date.Format("2006-01-02"), inc.Title, formatAmount(inc.AmountLost), inc.Severity, status)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(slug string, list []*risk.Assessment) string {
	if len(list) == 0 {
		return fmt.Sprintf("No recorded assessments for %s.", slug)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d assessment(s) for %s, most recent first:\n", len(list), slug)
	for _, a := range list {
		fmt.Fprintf(&sb, "- %s: %.1f/10 (%s), %d incident(s)\n",
			a.AssessedAt.Format("2006-01-02 15:04"), a.Score.Overall, a.Score.Level, a.IncidentCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

func formatUSD(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.1fK", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

func formatAmount(d decimal.Decimal) string {
	return formatUSD(d.InexactFloat64())
}

// stringList accepts a JSON array of strings or a comma-separated string.
func stringList(raw any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
