// Conduit is an OpenAI-compatible gateway that fronts heterogeneous LLM backends — cloud APIs,
// on-prem services, and local CLIs — behind a single /v1/chat/completions surface.
//
// Usage:
//
//	# Start the gateway with a models.json
//	conduit run --config models.json
//
//	# Validate a config file without starting the server
//	conduit validate --config models.json
//
//	# Show version information
//	conduit version
package main

func main() {
	Execute()
}
