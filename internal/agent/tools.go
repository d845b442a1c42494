package agent

import (
	"encoding/json"

	"github.com/tandem-dev/tandem/internal/stream"
	"github.com/tandem-dev/tandem/internal/tool"
)

// BuiltinTools returns the schemas for the local executor's tool set.
func BuiltinTools() []stream.ToolSchema {
	return []stream.ToolSchema{
		{
			Name:        tool.NameReadFile,
			Description: "Read a file and return its contents.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path, relative to the workspace root"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        tool.NameWriteFile,
			Description: "Create or overwrite a file with the given contents.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path, relative to the workspace root"},
					"content": {"type": "string", "description": "Complete file contents"}
				},
				"required": ["path", "content"]
			}`),
		},
		{
			Name:        tool.NameEditFile,
			Description: "Replace the first occurrence of old_string in a file with new_string.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path, relative to the workspace root"},
					"old_string": {"type": "string", "description": "Exact text to replace"},
					"new_string": {"type": "string", "description": "Replacement text"}
				},
				"required": ["path", "old_string", "new_string"]
			}`),
		},
		{
			Name:        tool.NameDeleteFile,
			Description: "Delete a file.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path, relative to the workspace root"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        tool.NameListDir,
			Description: "List the entries of a directory. Directories end with a slash.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Directory path, relative to the workspace root"}
				}
			}`),
		},
		{
			Name:        tool.NameBash,
			Description: "Run a shell command in the workspace root and return its combined output.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "Command line to run with bash -c"}
				},
				"required": ["command"]
			}`),
		},
	}
}
