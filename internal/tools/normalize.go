package tools

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/opchain/pkg/schema"
)

// Normalize turns a tool's raw return into a ToolResult:
//   - a non-nil err yields {success:false, error}
//   - ToolResult and *ToolResult pass through
//   - a map carrying a bool "success" key is read as a result envelope
//   - json.RawMessage is decoded and normalized again
//   - anything else is {success:true, data:value}
func Normalize(value any, err error) schema.ToolResult {
	if err != nil {
		return schema.ToolResult{Success: false, Error: err.Error()}
	}

	switch v := value.(type) {
	case schema.ToolResult:
		return v
	case *schema.ToolResult:
		if v == nil {
			return schema.ToolResult{Success: true}
		}
		return *v
	case map[string]any:
		if ok, isBool := v["success"].(bool); isBool {
			res := schema.ToolResult{Success: ok, Data: v["data"]}
			switch e := v["error"].(type) {
			case nil:
			case string:
				res.Error = e
			default:
				res.Error = fmt.Sprintf("%v", e)
			}
			if !ok && res.Error == "" {
				res.Error = "tool reported failure"
			}
			return res
		}
		return schema.ToolResult{Success: true, Data: v}
	case json.RawMessage:
		var decoded any
		if len(v) == 0 {
			return schema.ToolResult{Success: true}
		}
		if jerr := json.Unmarshal(v, &decoded); jerr != nil {
			return schema.ToolResult{Success: true, Data: string(v)}
		}
		return Normalize(decoded, nil)
	default:
		return schema.ToolResult{Success: true, Data: value}
	}
}
