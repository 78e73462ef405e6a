// Package relay implements the per-system runtime: the cross-bot event
// aggregator, the message parser, the autoproxy latch state machine, the
// duplicate-then-delete proxy protocol, and presence reconciliation.
package relay

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/duskward/seance/internal/config"
)

// MemberID indexes into a system's member slice, mirroring the reference
// implementation's usize member ids.
type MemberID int

// RuntimeMember pairs a member's immutable config with its resolved bot user
// id, populated once that member's gateway session completes Ready. Owned
// exclusively by the Manager; never mutated concurrently.
type RuntimeMember struct {
	ID     MemberID
	Config config.Member
	UserID string
}

// LatchState is the mutable per-system autoproxy latch: absent, or a member
// plus the timestamp of the message that most recently caused a latched
// proxy.
type LatchState struct {
	Active bool
	Member MemberID
	Since  time.Time
}

// EventKind discriminates SystemEvent, the sum type flowing on a system's
// bounded event channel.
type EventKind int

const (
	EventGatewayConnected EventKind = iota
	EventGatewayError
	EventGatewayClosed
	EventNewMessage
	EventRefetchMessage
	EventAutoproxyTimeout
	EventUpdateClientStatus
	EventRequestShutdown
	EventRequestReload
)

func (k EventKind) String() string {
	switch k {
	case EventGatewayConnected:
		return "gateway_connected"
	case EventGatewayError:
		return "gateway_error"
	case EventGatewayClosed:
		return "gateway_closed"
	case EventNewMessage:
		return "new_message"
	case EventRefetchMessage:
		return "refetch_message"
	case EventAutoproxyTimeout:
		return "autoproxy_timeout"
	case EventUpdateClientStatus:
		return "update_client_status"
	case EventRequestShutdown:
		return "request_shutdown"
	case EventRequestReload:
		return "request_reload"
	default:
		return "unknown"
	}
}

// SystemEvent is the single envelope type carried on a system's bounded
// event channel (spec.md §3/§5: "communication is by message passing through
// bounded channels").
type SystemEvent struct {
	EventKind EventKind

	Member   MemberID
	Observer MemberID

	UserID string
	Text   string

	ChannelID string
	MessageID string

	Timestamp time.Time
	Message   *discordgo.Message
}

// effectiveTimestamp is edited_timestamp if present, else the original
// timestamp — the ordering key for deduplication (spec.md glossary).
func effectiveTimestamp(msg *discordgo.Message) time.Time {
	if msg.EditedTimestamp != nil {
		return *msg.EditedTimestamp
	}
	return msg.Timestamp
}

func cloneMessage(src *discordgo.Message) *discordgo.Message {
	cp := *src
	return &cp
}
