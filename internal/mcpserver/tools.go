package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arbitration MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolHealth = mcp.NewTool("arbitro_health",
	mcp.WithDescription(
		"Check whether the ACAL arbitration service is healthy. "+
			"Reports the arbitro address, the active RPC endpoint and the state of the dispute poller."),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Look up one escrow order. Shows the indexed ledger record next to a live read "+
			"from the escrow contract (maker, taker, MXN amount, MON amount, status)."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id, a decimal integer (e.g. '42')")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List indexed escrow orders, newest first. Filter by status or by maker/taker address."),
	mcp.WithString("status",
		mcp.Description("Only orders in this status"),
		mcp.Enum("OPEN", "LOCKED", "COMPLETED", "CANCELLED", "DISPUTED", "EXPIRED")),
	mcp.WithString("maker",
		mcp.Description("Only orders created by this address")),
	mcp.WithString("taker",
		mcp.Description("Only orders locked by this address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription(
		"Get marketplace totals: order counts per status and total MXN and MON volume."),
)

var ToolCheckReconciliation = mcp.NewTool("check_reconciliation",
	mcp.WithDescription(
		"Compare the indexed ledger against the escrow contract for the newest orders. "+
			"Lists orders missing from the ledger and orders whose status disagrees."),
	mcp.WithBoolean("refresh",
		mcp.Description("Run a new comparison instead of returning the last report")),
)

var ToolConfirmPayment = mcp.NewTool("confirm_payment",
	mcp.WithDescription(
		"Submit a taker's proof that the fiat (MXN) payment was made for a locked order. "+
			"The service tries to resolve the order on-chain in the maker's favour; "+
			"if that fails the order is left for manual review."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The locked order's id")),
	mcp.WithString("taker_address",
		mcp.Required(),
		mcp.Description("The taker's address as recorded on the order")),
	mcp.WithString("proof_hash",
		mcp.Required(),
		mcp.Description("Hash of the payment receipt")),
	mcp.WithString("signature",
		mcp.Description("Optional personal_sign signature by the taker over proof_hash")),
)

var ToolResolveOrder = mcp.NewTool("resolve_order",
	mcp.WithDescription(
		"Manually resolve a disputed or locked order on-chain. "+
			"Verdict 0 favours the maker, 1 favours the taker, 2 splits the funds."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id to resolve")),
	mcp.WithNumber("verdict",
		mcp.Required(),
		mcp.Description("0 = maker, 1 = taker, 2 = split")),
	mcp.WithString("reason",
		mcp.Description("Why the order is being resolved this way")),
)
