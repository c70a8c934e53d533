package main

// Mock stdio tool server for manual end-to-end runs. Speaks newline-delimited
// JSON-RPC 2.0 over stdin/stdout and serves a small in-memory file tree.
//
// Usage: add to conduit.yaml as a pipe server with
//   command: go
//   args: ["run", "./tests/mock/files_server.go"]

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var files = map[string]string{
	"/notes/ideas.md":    "# Ideas\n- build a tool mesh\n- index everything\n",
	"/notes/todo.md":     "# Todo\n- water the plants\n",
	"/projects/plan.txt": "Q3 plan: ship the gateway.\n",
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("[mock-files] ")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	writer := bufio.NewWriter(os.Stdout)
	encoder := json.NewEncoder(writer)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			log.Printf("parse error: %v", err)
			continue
		}

		resp := handle(&req)
		if resp == nil {
			continue // notification
		}
		if err := encoder.Encode(resp); err != nil {
			log.Printf("write error: %v", err)
			return
		}
		writer.Flush()
	}
}

func handle(req *rpcRequest) *rpcResponse {
	if req.ID == nil {
		return nil
	}

	log.Printf("received %s (id=%v)", req.Method, req.ID)

	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "mock-files", "version": "0.1.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		})

	case "tools/list":
		return result(req.ID, map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "read_file",
					"description": "Read the contents of a file by path",
					"inputSchema": map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{"path": map[string]string{"type": "string"}},
						"required":   []string{"path"},
					},
				},
				{
					"name":        "list_files",
					"description": "List all known file paths",
					"inputSchema": map[string]interface{}{"type": "object"},
				},
				{
					"name":        "search",
					"description": "Search file contents for a query string",
					"inputSchema": map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{"query": map[string]string{"type": "string"}},
						"required":   []string{"query"},
					},
				},
			},
		})

	case "resources/list":
		return result(req.ID, map[string]interface{}{"resources": []interface{}{}})

	case "tools/call":
		return callTool(req)

	default:
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: "method not found: " + req.Method},
		}
	}
}

func callTool(req *rpcRequest) *rpcResponse {
	name, _ := req.Params["name"].(string)
	args, _ := req.Params["arguments"].(map[string]interface{})

	switch name {
	case "read_file":
		path, _ := args["path"].(string)
		content, ok := files[path]
		if !ok {
			return textResult(req.ID, fmt.Sprintf("file not found: %s", path), true)
		}
		return textResult(req.ID, content, false)

	case "list_files":
		paths := make([]string, 0, len(files))
		for p := range files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		return textResult(req.ID, strings.Join(paths, "\n"), false)

	case "search":
		query, _ := args["query"].(string)
		var hits []string
		for path, content := range files {
			if strings.Contains(strings.ToLower(content), strings.ToLower(query)) {
				hits = append(hits, path)
			}
		}
		sort.Strings(hits)
		if len(hits) == 0 {
			return textResult(req.ID, "no matches", false)
		}
		return textResult(req.ID, strings.Join(hits, "\n"), false)

	default:
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32602, Message: "unknown tool: " + name},
		}
	}
}

func result(id, res interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: res}
}

func textResult(id interface{}, text string, isError bool) *rpcResponse {
	return result(id, map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
		"isError": isError,
	})
}
