// Command mcp-http-bridge serves a stdio JSON-RPC peer over HTTP, spawning
// one peer process per session.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
