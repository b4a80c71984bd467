package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which
// tool to use.

var ToolAnalyzeProtocol = mcp.NewTool("analyze_protocol",
	mcp.WithDescription(
		"Assess the risk of a DeFi protocol. Returns an overall score from 0 (safest) to 10 (riskiest), "+
			"a level (low/medium/high/critical) and the five contributing factors: TVL size and trend, "+
			"chain concentration, audits, oracle dependency and exploit history."),
	mcp.WithString("protocol",
		mcp.Required(),
		mcp.Description("Protocol name or DefiLlama slug (e.g. 'Aave V3', 'uniswap', 'lido')")),
)

var ToolCompareProtocols = mcp.NewTool("compare_protocols",
	mcp.WithDescription(
		"Compare the risk of 2 to 5 DeFi protocols side by side, ranked from lowest to highest risk. "+
			"Protocols that cannot be assessed are listed separately."),
	mcp.WithArray("protocols",
		mcp.Required(),
		mcp.Description("Protocol names or slugs, 2 to 5 entries"),
		mcp.Items(map[string]any{"type": "string"})),
)

var ToolGetIncidents = mcp.NewTool("get_incidents",
	mcp.WithDescription(
		"List known exploits and hacks attributed to a DeFi protocol, newest first, "+
			"with loss amounts, severity and whether the issue was fixed."),
	mcp.WithString("protocol",
		mcp.Required(),
		mcp.Description("Protocol name or DefiLlama slug")),
	mcp.WithString("min_severity",
		mcp.Description("Only include incidents at or above this severity"),
		mcp.Enum("low", "medium", "high", "critical")),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"Show previously recorded risk assessments for a protocol, most recent first. "+
			"Useful to see how a protocol's score moved over time."),
	mcp.WithString("slug",
		mcp.Required(),
		mcp.Description("Protocol slug as returned by analyze_protocol (e.g. 'aave-v3')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10, max 100)")),
)
