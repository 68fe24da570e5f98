package domain

// TransportKind is the channel a chat context uses for message flow.
type TransportKind int

const (
	// TransportRequestResponse sends each user message as a one-shot HTTP
	// call and appends the reply.
	TransportRequestResponse TransportKind = iota
	// TransportDuplex keeps a persistent WebSocket open for the guided
	// order-service flow.
	TransportDuplex
)

func (k TransportKind) String() string {
	if k == TransportDuplex {
		return "duplex"
	}
	return "request-response"
}

// Origin describes how a chat context became active.
type Origin int

const (
	// OriginFreshNavigation is a brand-new visit, possibly carrying a seed
	// message typed before the chat opened.
	OriginFreshNavigation Origin = iota
	// OriginMenuSwitch is a switch between chat tabs inside an open session.
	OriginMenuSwitch
	// OriginRestoredHistory resumes a context whose transcript was persisted
	// by an earlier visit. Nothing is auto-sent on restore.
	OriginRestoredHistory
)

// ChatContext identifies one active conversation.
type ChatContext struct {
	// ContextID is either a static chat-type tag (request-response chats) or
	// a server-issued session id (the order-service duplex flow).
	ContextID string
	// ParticipantID is the stable per-device user identifier.
	ParticipantID string
	Transport     TransportKind
}
