// Package engine executes typed message-passing pipelines for AI agents.
//
// Architecture:
//
// builder.go          - Graph builder and whole-graph validation
// graph.go            - Immutable compiled topology (nodes, edges, fan-in groups)
// executor.go         - Engine: run lifecycle, resume, cancel, shutdown
// run.go              - Per-run scheduler, worker dispatch, effect merging
// nodecontext.go      - Handler-facing context with buffered effects
// eventlog.go         - Per-run ordered event ring with live subscriptions
// registry.go         - Handler factory registry with versioned names
// handlers_builtin.go - Builtin plumbing handlers (transform, route, join, yield, approval)
// pipelines.go        - Declarative spec compilation and the active pipeline set
// simulator.go        - End-to-end dry runs with canned approval answers
//
// A run executes its graph with a fixed-size worker pool fed from a FIFO
// readiness queue. Handlers never mutate shared state directly: effects are
// buffered per invocation and merged by the run's scheduler goroutine, which
// keeps the event stream totally ordered and the barrier bookkeeping free of
// locks handlers could contend on.
package engine
