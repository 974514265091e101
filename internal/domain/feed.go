package domain

// FeedOp is the kind of row-level change carried by a feed event
type FeedOp string

const (
	FeedOpInsert FeedOp = "INSERT"
	FeedOpUpdate FeedOp = "UPDATE"
)

// FeedEvent is one row-level change published on the session store change
// feed. Exactly one of Call or Participant is set, matching Table.
// The change feed is the sole mechanism by which one client learns of
// another client's call actions.
type FeedEvent struct {
	Table       string       `json:"table"` // "calls" or "call_participants"
	Op          FeedOp       `json:"op"`
	Call        *Call        `json:"call,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
}

// Feed table names
const (
	FeedTableCalls        = "calls"
	FeedTableParticipants = "call_participants"
)
