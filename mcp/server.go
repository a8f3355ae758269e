// Package mcp exposes the transfer guard to agents over the Model Context
// Protocol.
//
// It registers two tools on an MCP server built with the official Go SDK
// (github.com/modelcontextprotocol/go-sdk/mcp):
//
//   - transfer_ckb: submit a transfer through the guard. Duplicate requests
//     within the window return the original transaction hash instead of
//     paying twice.
//   - check_duplicate: dry-run the duplicate decision without submitting.
//
// Usage:
//
//	guard := transferguard.NewGuard(executor, transferguard.WithStore(store))
//	server := mcp.NewServer(guard)
//	if err := mcp.ServeStdio(ctx, server); err != nil { ... }
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ckb-agents/transferguard"
)

const (
	serverName    = "transferguard"
	serverVersion = "1.0.0"
)

// transferInputSchema describes both tools' arguments. Amounts travel as
// decimal strings so 128-bit xUDT quantities never lose precision in JSON.
var transferInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"recipient": {"type": "string", "description": "CKB address of the payee"},
		"amount": {"type": "string", "description": "Amount in indivisible units (shannons for native CKB), as a decimal string"},
		"asset": {"type": "string", "description": "Asset identifier; empty or omitted for native CKB"},
		"windowSeconds": {"type": "integer", "description": "Lookback window override in seconds"}
	},
	"required": ["recipient", "amount"]
}`)

type transferArgs struct {
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset,omitempty"`
	WindowSeconds int64  `json:"windowSeconds,omitempty"`
}

func (a transferArgs) request() transferguard.TransferRequest {
	return transferguard.TransferRequest{
		Recipient: a.Recipient,
		Amount:    a.Amount,
		Asset:     a.Asset,
		Window:    time.Duration(a.WindowSeconds) * time.Second,
	}
}

// NewServer builds an MCP server exposing the guard's tools.
func NewServer(guard *transferguard.Guard) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "transfer_ckb",
		Description: "Send a CKB transfer with duplicate protection. Retrying the same recipient, amount, and asset within the window returns the original transaction hash without paying twice.",
		InputSchema: transferInputSchema,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args, errResult := parseArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		outcome, err := guard.Submit(ctx, args.request())
		if err != nil {
			return errorResult(fmt.Sprintf("transfer failed: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"txHash":    outcome.TxHash,
			"duplicate": outcome.Duplicate,
		})
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "check_duplicate",
		Description: "Check whether a transfer with the given recipient, amount, and asset would be considered a duplicate, without submitting anything.",
		InputSchema: transferInputSchema,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args, errResult := parseArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		decision, err := guard.Evaluate(ctx, args.request())
		if err != nil {
			return errorResult(fmt.Sprintf("evaluation failed: %v", err)), nil
		}
		payload := map[string]interface{}{
			"duplicate": decision.Kind == transferguard.DecisionDuplicate,
		}
		if decision.ExistingTxHash != "" {
			payload["txHash"] = decision.ExistingTxHash
		}
		return jsonResult(payload)
	})

	return server
}

// ServeStdio runs the server over stdin/stdout until ctx is canceled.
func ServeStdio(ctx context.Context, server *mcpsdk.Server) error {
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

// parseArgs unmarshals and validates tool arguments. The schema check runs
// first so agents get field-level messages instead of a type error.
func parseArgs(req *mcpsdk.CallToolRequest) (transferArgs, *mcpsdk.CallToolResult) {
	var raw json.RawMessage
	if len(req.Params.Arguments) > 0 {
		raw = json.RawMessage(req.Params.Arguments)
	} else {
		raw = json.RawMessage(`{}`)
	}

	validation := transferguard.ValidateRequestJSON(raw)
	if !validation.Valid {
		return transferArgs{}, errorResult(fmt.Sprintf("invalid arguments: %v", validation.Errors))
	}

	var args transferArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return transferArgs{}, errorResult(fmt.Sprintf("failed to unmarshal arguments: %v", err))
	}
	return args, nil
}

func jsonResult(payload map[string]interface{}) (*mcpsdk.CallToolResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
		StructuredContent: payload,
	}, nil
}

func errorResult(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: message}},
	}
}
