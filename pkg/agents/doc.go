// Package agents assembles the demo retail pipelines on top of the engine:
// restocking advice, weekly insights and campaign drafting with human
// approval. It contributes the domain handlers (supplier fetch, sales query,
// policy gate, approval coordinator, publisher), the collaborator interfaces
// they depend on, and the demo pipeline specs themselves.
//
// Collaborators are injected so tests and dry runs can substitute
// deterministic fakes for the network-facing implementations.
package agents
