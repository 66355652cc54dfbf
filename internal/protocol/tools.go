package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Method names the bridge issues on its own behalf.
var (
	MethodToolsList = string(mcp.MethodToolsList)
	MethodToolsCall = string(mcp.MethodToolsCall)
)

// ToolCallParams is the params member of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolCallParams encodes the params for a tools/call request. Empty
// arguments are sent as an empty object.
func NewToolCallParams(name string, arguments json.RawMessage) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if !json.Valid(arguments) {
		return nil, fmt.Errorf("arguments for tool %q are not valid JSON", name)
	}
	return json.Marshal(ToolCallParams{Name: name, Arguments: arguments})
}

// ToolDescriptor is one entry of a tools/list result. The input schema is
// kept as raw JSON.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ParseToolsList decodes a tools/list result.
func ParseToolsList(result json.RawMessage) ([]ToolDescriptor, error) {
	var list toolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return list.Tools, nil
}

// MCPTool converts a descriptor into an mcp-go tool definition.
func (d ToolDescriptor) MCPTool() mcp.Tool {
	schema := d.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return mcp.NewToolWithRawSchema(d.Name, d.Description, schema)
}
