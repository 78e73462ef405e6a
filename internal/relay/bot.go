package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/duskward/seance/internal/config"
)

// discordMissingPermissions is the Discord REST API error code for
// "Missing Permissions" (spec.md §4.1/§7).
const discordMissingPermissions = 50013

// Bot wraps one member's gateway session and REST client. One per member;
// exclusively owns its gateway session (spec.md §3 Ownership).
type Bot struct {
	memberID        MemberID
	member          config.Member
	system          string
	referenceUserID string

	session *discordgo.Session
	limiter *rate.Limiter

	aggregator *Aggregator
	systemCh   chan<- SystemEvent

	statusMu    sync.Mutex
	lastStatus  config.Presence
	hasSentOnce bool

	httpClient *http.Client
}

// NewBot constructs a Bot for member. It does not connect until Start is
// called.
func NewBot(system string, id MemberID, member config.Member, referenceUserID string, aggregator *Aggregator, systemCh chan<- SystemEvent) (*Bot, error) {
	session, err := discordgo.New("Bot " + member.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create session for member %s: %w", member.Name, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{
		memberID:        id,
		member:          member,
		system:          system,
		referenceUserID: referenceUserID,
		session:         session,
		limiter:         rate.NewLimiter(rate.Limit(5), 10),
		aggregator:      aggregator,
		systemCh:        systemCh,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
	}

	session.AddHandler(b.handleReady)
	session.AddHandler(b.handleMessageCreate)
	session.AddHandler(b.handleMessageUpdate)
	session.AddHandler(b.handleDisconnect)
	session.AddHandler(b.handleRateLimit)

	return b, nil
}

// Start opens the gateway connection. The gateway listener runs via
// discordgo's own handler-dispatch goroutines; Start returns once the
// websocket handshake completes (Ready arrives asynchronously).
func (b *Bot) Start(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return &GatewayFatalError{Err: fmt.Errorf("open gateway for member %s: %w", b.member.Name, err)}
	}
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.emit(SystemEvent{EventKind: EventGatewayConnected, Member: b.memberID, UserID: r.User.ID})
}

// handleDisconnect fires when discordgo's gateway loop gives up on the
// websocket connection (see _examples/original_source/src/system/bot/gateway.rs's
// SystemEvent::GatewayClosed on a fatal branch). The Manager reacts by
// recreating this member's Bot.
func (b *Bot) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.emit(SystemEvent{EventKind: EventGatewayClosed, Member: b.memberID, Text: "gateway disconnected"})
}

// handleRateLimit fires on a recoverable gateway hiccup that discordgo itself
// absorbs by waiting and retrying; logged as a non-fatal gateway error rather
// than triggering a bot restart.
func (b *Bot) handleRateLimit(_ *discordgo.Session, r *discordgo.RateLimit) {
	b.emit(SystemEvent{EventKind: EventGatewayError, Member: b.memberID, Text: fmt.Sprintf("rate limited: %s", r.URL)})
}

func (b *Bot) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID != b.referenceUserID {
		return
	}
	b.aggregator.Submit(context.Background(), AggregatorInput{
		Timestamp: effectiveTimestamp(m.Message),
		Observer:  b.memberID,
		Complete:  m.Message,
	})
}

func (b *Bot) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID != b.referenceUserID {
		return
	}
	if m.EditedTimestamp == nil || m.Content == "" {
		return
	}
	b.aggregator.Submit(context.Background(), AggregatorInput{
		Timestamp: *m.EditedTimestamp,
		Observer:  b.memberID,
		Partial: &PartialUpdate{
			ID:              m.ID,
			ChannelID:       m.ChannelID,
			EditedTimestamp: *m.EditedTimestamp,
			Content:         m.Content,
		},
	})
}

func (b *Bot) emit(ev SystemEvent) {
	select {
	case b.systemCh <- ev:
	default:
		slog.Warn("system channel full, dropping event", "system", b.system, "member", b.member.Name, "kind", ev.EventKind)
	}
}

// SetStatus sends a presence update, eliding no-ops (spec.md §4.1/§8
// "Presence idempotence").
func (b *Bot) SetStatus(ctx context.Context, status config.Presence) error {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	if b.hasSentOnce && b.lastStatus == status {
		return nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := b.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: string(discordPresenceString(status)),
	}); err != nil {
		return &GatewayNonFatalError{Err: err}
	}

	b.lastStatus = status
	b.hasSentOnce = true
	return nil
}

func discordPresenceString(p config.Presence) config.Presence {
	switch p {
	case config.PresenceOnline, config.PresenceBusy, config.PresenceIdle, config.PresenceInvisible:
		return p
	default:
		return config.PresenceOnline
	}
}

// DuplicateMessage creates a message in source.ChannelID with newContent,
// preserving reply reference, mentions, everyone flag, flags, and
// attachments (re-fetched from the source's proxy URLs). See spec.md
// §4.1/§4.4.1.
func (b *Bot) DuplicateMessage(ctx context.Context, source *discordgo.Message, newContent string) (*discordgo.Message, error) {
	if newContent == "" && len(source.Attachments) == 0 {
		return nil, &ValidationError{Reason: "cannot send an empty message with no attachments"}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	send := &discordgo.MessageSend{
		Content: newContent,
		Flags:   source.Flags,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Roles: source.MentionRoles,
		},
	}

	for _, u := range source.Mentions {
		if u != nil {
			send.AllowedMentions.Users = append(send.AllowedMentions.Users, u.ID)
		}
	}
	if source.MentionEveryone {
		send.AllowedMentions.Parse = append(send.AllowedMentions.Parse, discordgo.AllowedMentionTypeEveryone)
	}

	if source.MessageReference != nil {
		send.Reference = source.MessageReference
		repliedUserPinged := false
		if source.ReferencedMessage != nil {
			for _, u := range source.Mentions {
				if u != nil && u.ID == source.ReferencedMessage.Author.ID {
					repliedUserPinged = true
					break
				}
			}
		}
		send.AllowedMentions.RepliedUser = repliedUserPinged
	}

	for i, att := range source.Attachments {
		data, err := b.fetchAttachment(ctx, att.ProxyURL)
		if err != nil {
			slog.Warn("dropping attachment on proxy", "system", b.system, "url", att.ProxyURL, "error", err)
			continue
		}
		send.Files = append(send.Files, &discordgo.File{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Reader:      bytes.NewReader(data),
		})
		send.Attachments = append(send.Attachments, &discordgo.MessageAttachment{
			ID:          strconv.Itoa(i),
			Filename:    att.Filename,
			Description: att.Description,
		})
	}

	msg, err := b.session.ChannelMessageSendComplex(source.ChannelID, send)
	if err != nil {
		if _, ok := err.(*discordgo.RESTError); !ok {
			return nil, &DeserializeError{Err: err}
		}
		return nil, &CreateError{Err: err}
	}
	return msg, nil
}

func (b *Bot) fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &AttachmentFetchError{URL: url, Err: err}
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &AttachmentFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &AttachmentFetchError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AttachmentFetchError{URL: url, Err: err}
	}
	return data, nil
}

// DeleteMessage deletes a message. On "missing permissions" it reacts 🔐 and
// returns a DeleteError with Permission set.
func (b *Bot) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	err := b.session.ChannelMessageDelete(channelID, messageID)
	if err == nil {
		return nil
	}

	if code, ok := restErrorCode(err); ok && code == discordMissingPermissions {
		_ = b.session.MessageReactionAdd(channelID, messageID, "🔐")
		return &DeleteError{Permission: true, Err: err}
	}
	return &DeleteError{Err: err}
}

// EditMessage edits a message's content.
func (b *Bot) EditMessage(ctx context.Context, channelID, messageID, newContent string) (*discordgo.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := b.session.ChannelMessageEditComplex(discordgo.NewMessageEdit(channelID, messageID).SetContent(newContent))
	if err != nil {
		return nil, &CreateError{Err: err}
	}
	return msg, nil
}

// ReactMessage adds a reaction to a message.
func (b *Bot) ReactMessage(ctx context.Context, channelID, messageID, emoji string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return b.session.MessageReactionAdd(channelID, messageID, emoji)
}

// FetchMessage fetches a single message by id.
func (b *Bot) FetchMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := b.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, &DeserializeError{Err: err}
	}
	return msg, nil
}

// FetchRecentChannelMessages fetches the most recent messages in a channel.
func (b *Bot) FetchRecentChannelMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := b.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, &DeserializeError{Err: err}
	}
	return msgs, nil
}

// ResendMessage fetches a message and pushes it into the aggregator as a
// Complete observation, used to recover from a dedup-cache miss on a
// Partial update (spec.md §4.2).
func (b *Bot) ResendMessage(ctx context.Context, channelID, messageID string) error {
	msg, err := b.FetchMessage(ctx, channelID, messageID)
	if err != nil {
		return err
	}
	b.aggregator.Submit(ctx, AggregatorInput{
		Timestamp: effectiveTimestamp(msg),
		Observer:  b.memberID,
		Complete:  msg,
	})
	return nil
}

func restErrorCode(err error) (int, bool) {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Message == nil {
		return 0, false
	}
	return restErr.Message.Code, true
}
