// Package governance coordinates runtime safety controls such as rate limiting,
// circuit breaking, retries, and timeout enforcement for the agent platform.
//
// The execution engine, the console API, and the model providers depend on
// these primitives to protect external services without extra infrastructure
// coupling. Limits are keyed per route or per upstream and can be
// reconfigured at runtime without restarting in-flight runs.
package governance
