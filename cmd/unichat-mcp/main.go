package main

import "github.com/amidabuddha/unichat-mcp-server/cmd/unichat-mcp/root"

func main() {
	root.Execute()
}
