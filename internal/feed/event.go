package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/carquote-api/internal/types"
)

// Kind names a state transition pushed to subscribers
type Kind string

const (
	KindQuoteOpened        Kind = "quote_opened"
	KindBidSubmitted       Kind = "bid_submitted"
	KindBidAccepted        Kind = "bid_accepted"
	KindMessagePosted      Kind = "message_posted"
	KindQuoteCancelled     Kind = "quote_cancelled"
	KindQuoteCompleted     Kind = "quote_completed"
	KindOpportunityExpired Kind = "opportunity_expired"
)

// Recipient is one principal an event is addressed to
type Recipient struct {
	ID   string     `json:"id"`
	Role types.Role `json:"role"`
}

func Buyer(id string) Recipient  { return Recipient{ID: id, Role: types.RoleBuyer} }
func Dealer(id string) Recipient { return Recipient{ID: id, Role: types.RoleDealer} }

// Event is a committed mutation on a quote. Audience lists every principal allowed to
// receive it; nobody else may, which keeps dealer bids sealed on the push path.
type Event struct {
	ID          uint64          `json:"id"`
	Kind        Kind            `json:"kind"`
	QuoteID     string          `json:"quote_id"`
	Audience    []Recipient     `json:"audience"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// PublicEvent is the client-facing shape of an Event. It leaves out the audience so
// dealers never learn who else was invited.
type PublicEvent struct {
	ID          uint64          `json:"id"`
	Kind        Kind            `json:"kind"`
	QuoteID     string          `json:"quote_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewEvent builds an event with a JSON-encoded payload
func NewEvent(kind Kind, quoteID string, payload interface{}, audience ...Recipient) (Event, error) {
	ev := Event{
		Kind:     kind,
		QuoteID:  quoteID,
		Audience: audience,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// VisibleTo reports whether the principal may receive the event
func (e Event) VisibleTo(p types.Principal) bool {
	if p.IsAdmin() {
		return true
	}
	for _, r := range e.Audience {
		if r.ID == p.ID && r.Role == p.Role {
			return true
		}
	}
	return false
}

func (e Event) Public() PublicEvent {
	return PublicEvent{
		ID:          e.ID,
		Kind:        e.Kind,
		QuoteID:     e.QuoteID,
		Payload:     e.Payload,
		CommittedAt: e.CommittedAt,
	}
}

// QuoteTopic is the topic carrying every event of one quote
func QuoteTopic(quoteID string) string {
	return "quote:" + quoteID
}

// PrincipalTopic is the inbox topic of one principal across quotes
func PrincipalTopic(principalID string) string {
	return "principal:" + principalID
}
