// Package console is the HTTP surface of the agents service: starting and
// inspecting pipeline runs, answering pending approval requests, cancelling,
// and streaming live run events over SSE. It also owns the client session
// registry and the Prometheus metrics endpoint.
package console
