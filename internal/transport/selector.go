// Package transport decides which channel a chat context uses.
package transport

import "github.com/easybali/concierge/internal/domain"

// ChatTag enumerates the chat types the concierge exposes. Tags map to
// backend chat_type values; the zero value is invalid so a missed mapping
// fails loudly instead of falling through.
type ChatTag int

const (
	TagUnknown ChatTag = iota
	TagWhatToDo
	TagCurrencyConverter
	TagPlanMyTrip
	TagThingsToDo
	TagGeneral
	TagVoiceTranslator
	TagPassportSubmission
	// TagOrderService is the guided booking flow. It is the only duplex
	// chat: the context id is a server-issued session id, not this tag.
	TagOrderService
)

var tagValues = map[ChatTag]string{
	TagWhatToDo:           "what-to-do",
	TagCurrencyConverter:  "currency-converter",
	TagPlanMyTrip:         "plan-my-trip",
	TagThingsToDo:         "things-to-do-in-bali",
	TagGeneral:            "general",
	TagVoiceTranslator:    "voice-translator",
	TagPassportSubmission: "passport-submission",
	TagOrderService:       "order-service",
}

var tagsByValue = func() map[string]ChatTag {
	m := make(map[string]ChatTag, len(tagValues))
	for tag, v := range tagValues {
		m[v] = tag
	}
	return m
}()

func (t ChatTag) String() string {
	if v, ok := tagValues[t]; ok {
		return v
	}
	return "unknown"
}

// ParseTag maps a backend chat_type string to its tag. Unrecognized strings
// return TagUnknown.
func ParseTag(s string) ChatTag {
	return tagsByValue[s]
}

// MenuItems maps sidebar menu ids to chat tags. Category menus (order
// services, local guide, recommendations, promotions) navigate to the
// service catalogue instead of opening a chat and are absent here.
var MenuItems = map[string]ChatTag{
	"currency_converter":  TagCurrencyConverter,
	"what_to_do":          TagWhatToDo,
	"plan_my_trip":        TagPlanMyTrip,
	"voice_translator":    TagVoiceTranslator,
	"passport_submission": TagPassportSubmission,
}

// requestResponse is the fixed allow-list of tags served over one-shot HTTP
// calls. Everything else defaults to the duplex channel.
var requestResponse = map[ChatTag]bool{
	TagWhatToDo:           true,
	TagCurrencyConverter:  true,
	TagPlanMyTrip:         true,
	TagThingsToDo:         true,
	TagGeneral:            true,
	TagVoiceTranslator:    true,
	TagPassportSubmission: true,
}

// Select returns the transport for a context tag. Evaluated once per
// activation; a context never switches transport mid-session.
func Select(tag ChatTag) domain.TransportKind {
	if requestResponse[tag] {
		return domain.TransportRequestResponse
	}
	return domain.TransportDuplex
}

// SelectByValue selects by raw chat_type string, covering server-issued
// session ids that are not static tags.
func SelectByValue(contextID string) domain.TransportKind {
	return Select(ParseTag(contextID))
}
