// Command celeste is a multi-modal generation chat client. It serves the chat
// session over HTTP and websockets, or runs it in the terminal.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	celeste chat
//	celeste serve --listen :8080
//	celeste conversations list
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
