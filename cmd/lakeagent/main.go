// Package main provides the CLI entry point for the lakeagent analytics
// assistant backend.
//
// Start the server:
//
//	lakeagent serve --config lakeagent.yaml
//
// The serve command runs the signed proxy bridge, discovers remote tools
// over MCP, and exposes an HTTP endpoint for conversation turns.
//
// Configuration can also come from environment variables, including:
//
//   - LAKEAGENT_CONFIG: Path to configuration file
//   - AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY
//   - ATHENA_WORKGROUP_NAME, ATHENA_DATABASE_NAME, STORAGE_BUCKET_NAME
//   - MCP_REST_API_URL, MCP_REST_API_KEY
//   - AGENT_MODEL_ID, BRIDGE_PORT, PUBLISH_ENDPOINT
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
