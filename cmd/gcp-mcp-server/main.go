// Command gcp-mcp-server runs the MCP gateway for Google Cloud tools.
package main

import "github.com/gcp-mcp/gcp-mcp-server/cmd/gcp-mcp-server/cmd"

func main() {
	cmd.Execute()
}
