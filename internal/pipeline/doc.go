// Package pipeline provides the tool execution pipeline.
//
// Every tool call, whether it arrives over the stream transport, the HTTP
// JSON-RPC endpoint, the REST surface or inside a batch, runs the same
// sequence:
//
//  1. Decode the arguments against the tool's input schema into its typed input.
//  2. Run the tool's declared validation rules, collecting every violation.
//  3. Resolve the caller's identity (anonymous when no credentials are presented).
//  4. Consult the rate limiter keyed by identity.
//  5. Check the tool's required roles.
//  6. Execute the tool body.
//  7. Classify any failure into the error taxonomy.
//  8. Emit one audit record. Audit failures are logged and dropped.
//
// The result is always a domain.ToolResponse; nothing below the pipeline
// can end a request with a raw error or a panic.
//
// # Batches
//
// The execute_batch tool fans inner calls out through the same sequence.
// Each inner call gets its own correlation id and shares the outer identity.
// Results keep input order. With stop_on_error the result list ends at the
// first failure; calls already dispatched still run to completion.
package pipeline
