package domain

// TypeAny is the wildcard message type. A node that declares it accepts
// anything; a message that carries it is deliverable to any node.
const TypeAny = "any"

// TypeJoin tags the synthetic message an engine constructs for a fan-in
// consumer. Its payload is a Contributions slice ordered by the group's
// declared producer order.
const TypeJoin = "join"

// Message is one typed unit of data in transit along an edge. It is created
// by a node handler or by the caller as a run's initial input, and consumed
// exactly once.
type Message struct {
	// Type is the message's type tag, matched against node declarations.
	Type string `json:"type" yaml:"type"`

	// Payload is the opaque message body.
	Payload any `json:"payload" yaml:"payload"`

	// Target optionally addresses an explicit node id, bypassing the
	// declared edges of the sender.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Source is the id of the node that produced the message. Stamped by
	// the engine; empty for a run's initial input.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// NewMessage builds an untargeted message.
func NewMessage(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: payload}
}

// Text builds an untargeted message of type "text", the lingua franca of the
// demo pipelines.
func Text(payload string) Message {
	return Message{Type: "text", Payload: payload}
}

// Contributions is the ordered set of producer messages delivered to a
// fan-in consumer, one entry per required producer in declaration order.
type Contributions []Message

// TypeAssignable reports whether a message of type produced may be delivered
// where accepted is declared. Assignability is tag equality, with TypeAny
// compatible in both directions and an empty declaration treated as TypeAny.
func TypeAssignable(produced, accepted string) bool {
	if produced == "" || accepted == "" {
		return true
	}
	if produced == TypeAny || accepted == TypeAny {
		return true
	}
	return produced == accepted
}
