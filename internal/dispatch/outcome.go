// Package dispatch runs the reply side of the relay: it asks the reasoning
// agent for an answer and pushes the result back to the chat user, on a
// bounded background queue.
package dispatch

// Outcome is the result of one reply dispatch.
type Outcome int

const (
	// OutcomeDelivered: the agent answered with a non-empty reply.
	OutcomeDelivered Outcome = iota
	// OutcomeAgentStatus: the agent answered with a non-200 status.
	OutcomeAgentStatus
	// OutcomeEmptyReply: the agent answered 200 without a reply.
	OutcomeEmptyReply
	// OutcomeUnexpected: transport failure, timeout, malformed body or panic.
	OutcomeUnexpected
)

// Fixed user-facing notices. Also used by the webhook intake for audio failures.
const (
	MsgServerError     = "Server error, please try later"
	MsgEmptyResponse   = "Received empty response"
	MsgUnexpectedError = "Unexpected server error"
	MsgDownloadFailed  = "Failed to download audio."
	MsgNotUnderstood   = "Sorry, I could not understand the audio."
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAgentStatus:
		return "agent_status"
	case OutcomeEmptyReply:
		return "empty_reply"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// UserMessage is the notice sent to the user for a failed outcome. It is ""
// for OutcomeDelivered, where the agent's reply is sent instead.
func (o Outcome) UserMessage() string {
	switch o {
	case OutcomeAgentStatus:
		return MsgServerError
	case OutcomeEmptyReply:
		return MsgEmptyResponse
	case OutcomeDelivered:
		return ""
	default:
		return MsgUnexpectedError
	}
}
