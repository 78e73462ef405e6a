package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/duskward/seance/internal/config"
	"github.com/duskward/seance/internal/telemetry"
	"github.com/duskward/seance/pkg/protocol"
)

// sendCacheSize is fixed at 15 channels — spec.md §3/§9, "a heuristic
// trading recall for memory".
const sendCacheSize = 15

// startupStatusDelay is how long after starting a bot the Manager schedules
// its initial presence update (spec.md §4.4 startup step 4).
const startupStatusDelay = 10 * time.Second

// fetchRecentLimit bounds how many channel messages are scanned to resolve
// an implicit secondary message when neither a reply nor the send-cache
// supplies one.
const fetchRecentLimit = 50

// SupervisorRequest is forwarded by the Manager to internal/supervisor for
// the two operations the Manager itself does not own: reloading
// configuration and shutting the system down (spec.md §6).
type SupervisorRequest struct {
	Kind   string // "reload" | "shutdown"
	System string
}

// LifecycleEvent is published for every externally-visible state change, to
// be relayed onward by internal/wsui (spec.md §6 "Events emitted to the
// supervisor/UI").
type LifecycleEvent struct {
	Kind      string
	System    string
	Member    string
	Payload   map[string]any
	Timestamp time.Time
}

// botHandle is the subset of *Bot's operations the Manager depends on.
// Accepting the interface rather than the concrete type lets tests drive
// the Manager's state machine with a fake, without an actual gateway
// connection.
type botHandle interface {
	Start(ctx context.Context) error
	Stop() error
	SetStatus(ctx context.Context, status config.Presence) error
	DuplicateMessage(ctx context.Context, source *discordgo.Message, newContent string) (*discordgo.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	EditMessage(ctx context.Context, channelID, messageID, newContent string) (*discordgo.Message, error)
	ReactMessage(ctx context.Context, channelID, messageID, emoji string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	FetchRecentChannelMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error)
	ResendMessage(ctx context.Context, channelID, messageID string) error
}

// botFactory constructs a botHandle for one member; swapped out in tests.
type botFactory func(system string, id MemberID, member config.Member, referenceUserID string, aggregator *Aggregator, systemCh chan<- SystemEvent) (botHandle, error)

func defaultBotFactory(system string, id MemberID, member config.Member, referenceUserID string, aggregator *Aggregator, systemCh chan<- SystemEvent) (botHandle, error) {
	return NewBot(system, id, member, referenceUserID, aggregator, systemCh)
}

// Manager orchestrates a system's bots, owns the latch state machine and
// send-cache, dispatches parser outputs to bot operations, and reconciles
// presence. One per system; exclusively owns latch state, send cache, and
// configuration (spec.md §3 Ownership).
type Manager struct {
	systemName string
	cfg        config.System

	members []RuntimeMember
	bots    map[MemberID]botHandle
	newBot  botFactory

	aggregator *Aggregator
	systemCh   chan SystemEvent

	sendCache *lru.Cache[string, *discordgo.Message]

	latch LatchState

	presenceSent map[MemberID]config.Presence

	Publish  func(LifecycleEvent)
	Requests chan<- SupervisorRequest

	mu sync.Mutex
}

// NewManager constructs a Manager for a system. Call Start to connect its
// bots and Run to begin the event loop.
func NewManager(systemName string, cfg config.System, requests chan<- SupervisorRequest) (*Manager, error) {
	m := &Manager{
		systemName:   systemName,
		cfg:          cfg,
		bots:         make(map[MemberID]botHandle),
		newBot:       defaultBotFactory,
		systemCh:     make(chan SystemEvent, 100),
		presenceSent: make(map[MemberID]config.Presence),
		Requests:     requests,
	}

	sendCache, err := lru.New[string, *discordgo.Message](sendCacheSize)
	if err != nil {
		return nil, err
	}
	m.sendCache = sendCache

	dedupSize := 2 * len(cfg.Members)
	if dedupSize < 1 {
		dedupSize = 1
	}
	aggregator, err := NewAggregator(dedupSize, m.systemCh)
	if err != nil {
		return nil, err
	}
	m.aggregator = aggregator

	for i, mc := range cfg.Members {
		m.members = append(m.members, RuntimeMember{ID: MemberID(i), Config: mc})
	}

	return m, nil
}

// Start creates and connects every member's Bot, bounded-fan-out via
// errgroup so a single Start failure does not orphan the others (spec.md
// §4.4 startup steps 1–4).
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.ReferenceUserID == "" {
		return fmt.Errorf("system %s: reference_user_id is required", m.systemName)
	}

	go m.aggregator.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i, rm := range m.members {
		i, rm := i, rm
		g.Go(func() error {
			bot, err := m.newBot(m.systemName, rm.ID, rm.Config, m.cfg.ReferenceUserID, m.aggregator, m.systemCh)
			if err != nil {
				return err
			}
			if err := bot.Start(gctx); err != nil {
				return err
			}

			m.mu.Lock()
			m.bots[rm.ID] = bot
			m.mu.Unlock()

			time.AfterFunc(startupStatusDelay, func() {
				m.send(SystemEvent{EventKind: EventUpdateClientStatus, Member: MemberID(i)})
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.mu.Lock()
		for _, bot := range m.bots {
			_ = bot.Stop()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Run consumes the system's event channel until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.systemCh:
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) send(ev SystemEvent) {
	select {
	case m.systemCh <- ev:
	default:
		slog.Warn("system channel full, dropping event", "system", m.systemName, "kind", ev.EventKind)
	}
}

func (m *Manager) publish(ev LifecycleEvent) {
	if m.Publish == nil {
		return
	}
	ev.System = m.systemName
	ev.Timestamp = time.Now()
	m.Publish(ev)
}

func (m *Manager) handleEvent(ctx context.Context, ev SystemEvent) {
	switch ev.EventKind {
	case EventGatewayConnected:
		m.handleGatewayConnected(ev)
	case EventGatewayError:
		slog.Error("gateway error", "system", m.systemName, "member", ev.Member, "error", ev.Text)
	case EventGatewayClosed:
		m.restartBot(ctx, ev.Member)
	case EventNewMessage:
		m.handleMessage(ctx, ev)
	case EventRefetchMessage:
		m.handleRefetch(ctx, ev)
	case EventAutoproxyTimeout:
		m.handleAutoproxyTimeout(ctx, ev)
	case EventUpdateClientStatus:
		m.handleUpdateClientStatus(ctx, ev)
	case EventRequestShutdown:
		m.requestSupervisor("shutdown")
	case EventRequestReload:
		m.requestSupervisor("reload")
	}
}

func (m *Manager) handleGatewayConnected(ev SystemEvent) {
	for i, rm := range m.members {
		if rm.ID == ev.Member {
			m.members[i].UserID = ev.UserID
		}
	}
	m.publish(LifecycleEvent{Kind: protocol.EventMemberConnected, Member: memberName(m.members, ev.Member)})
}

func (m *Manager) restartBot(ctx context.Context, id MemberID) {
	var rm RuntimeMember
	for _, cand := range m.members {
		if cand.ID == id {
			rm = cand
		}
	}
	m.publish(LifecycleEvent{Kind: protocol.EventMemberDisconnected, Member: rm.Config.Name})

	ctx, span := telemetry.StartSpan(ctx, "relay.gateway_reconnect", m.systemName, rm.Config.Name)
	defer span.End()

	bot, err := m.newBot(m.systemName, id, rm.Config, m.cfg.ReferenceUserID, m.aggregator, m.systemCh)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to recreate bot", "system", m.systemName, "member", rm.Config.Name, "error", err)
		return
	}
	if err := bot.Start(ctx); err != nil {
		span.RecordError(err)
		slog.Error("failed to restart bot", "system", m.systemName, "member", rm.Config.Name, "error", err)
		return
	}

	m.mu.Lock()
	m.bots[id] = bot
	m.mu.Unlock()
}

func (m *Manager) handleRefetch(ctx context.Context, ev SystemEvent) {
	bot, ok := m.bots[ev.Observer]
	if !ok {
		return
	}
	go func() {
		if err := bot.ResendMessage(ctx, ev.ChannelID, ev.MessageID); err != nil {
			slog.Warn("resend on refetch failed", "system", m.systemName, "error", err)
		}
	}()
}

func (m *Manager) handleAutoproxyTimeout(ctx context.Context, ev SystemEvent) {
	if m.latch.Active && m.latch.Since.Equal(ev.Timestamp) {
		m.latch = LatchState{}
		m.reconcilePresence(ctx)
	}
}

func (m *Manager) handleUpdateClientStatus(ctx context.Context, ev SystemEvent) {
	bot, ok := m.bots[ev.Member]
	if !ok {
		return
	}
	status := config.PresenceInvisible
	if m.latch.Active && m.latch.Member == ev.Member {
		status = config.PresenceOnline
	}
	if err := bot.SetStatus(ctx, status); err != nil {
		slog.Warn("set status failed", "system", m.systemName, "member", ev.Member, "error", err)
	}
}

func (m *Manager) handleMessage(ctx context.Context, ev SystemEvent) {
	msg := ev.Message
	secondary := m.resolveSecondary(ctx, msg, ev.Observer)
	parsed := Parse(msg.Content, secondary, m.members, m.latch)

	switch parsed.Kind {
	case KindUnproxied:
		return

	case KindLatchClear:
		bot := m.botOrDefault(parsed.ClearMember)
		if bot != nil {
			_ = bot.DeleteMessage(ctx, msg.ChannelID, msg.ID)
		}
		m.latch = LatchState{}
		m.reconcilePresence(ctx)

	case KindSetProxyAndDelete:
		if bot, ok := m.bots[parsed.Member]; ok {
			_ = bot.DeleteMessage(ctx, msg.ChannelID, msg.ID)
		}
		m.setLatch(parsed.Member, ev.Timestamp)
		m.reconcilePresence(ctx)

	case KindProxied:
		_, err := m.proxyMessage(ctx, msg, parsed.Member, parsed.Content)
		if err == nil && parsed.Latch {
			if _, ok := m.cfg.Autoproxy.(config.AutoproxyLatch); ok {
				m.setLatch(parsed.Member, ev.Timestamp)
			}
		}
		m.reconcilePresence(ctx)

	case KindCommand:
		m.handleCommand(ctx, msg, secondary, parsed.Command)
	}
}

func (m *Manager) resolveSecondary(ctx context.Context, msg *discordgo.Message, observer MemberID) *discordgo.Message {
	if msg.MessageReference != nil && msg.ReferencedMessage != nil {
		return msg.ReferencedMessage
	}
	if cached, ok := m.sendCache.Get(msg.ChannelID); ok {
		return cached
	}

	bot, ok := m.bots[observer]
	if !ok {
		return nil
	}
	recents, err := bot.FetchRecentChannelMessages(ctx, msg.ChannelID, fetchRecentLimit)
	if err != nil {
		return nil
	}
	for _, cand := range recents {
		if cand.Author != nil && m.isBotAuthor(cand.Author.ID) {
			m.sendCache.Add(msg.ChannelID, cand)
			return cand
		}
	}
	return nil
}

func (m *Manager) isBotAuthor(userID string) bool {
	for _, rm := range m.members {
		if rm.UserID != "" && rm.UserID == userID {
			return true
		}
	}
	return false
}

// proxyMessage is the atomic duplicate-then-delete Proxy Protocol with
// rollback (spec.md §4.4.1).
func (m *Manager) proxyMessage(ctx context.Context, source *discordgo.Message, member MemberID, newContent string) (*discordgo.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay.proxy_message", m.systemName, memberName(m.members, member))
	defer span.End()

	bot, ok := m.bots[member]
	if !ok {
		err := fmt.Errorf("no bot for member %d", member)
		span.RecordError(err)
		return nil, err
	}

	dup, err := bot.DuplicateMessage(ctx, source, newContent)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := bot.DeleteMessage(ctx, source.ChannelID, source.ID); err != nil {
		_ = bot.DeleteMessage(ctx, source.ChannelID, dup.ID)
		span.RecordError(err)
		return nil, err
	}

	m.sendCache.Add(source.ChannelID, dup)
	return dup, nil
}

func (m *Manager) setLatch(member MemberID, ts time.Time) {
	latch, ok := m.cfg.Autoproxy.(config.AutoproxyLatch)
	if !ok {
		return
	}
	m.latch = LatchState{Active: true, Member: member, Since: ts}
	m.publish(LifecycleEvent{Kind: protocol.EventLatchChanged, Member: memberName(m.members, member)})

	timeout := latch.Timeout
	scheduledTs := ts
	time.AfterFunc(timeout, func() {
		m.send(SystemEvent{EventKind: EventAutoproxyTimeout, Timestamp: scheduledTs})
	})
}

func (m *Manager) reconcilePresence(ctx context.Context) {
	updates := ReconcilePresence(m.cfg.Autoproxy, m.latch, m.members, m.presenceSent)
	for id, status := range updates {
		bot, ok := m.bots[id]
		if !ok {
			continue
		}
		if err := bot.SetStatus(ctx, status); err != nil {
			slog.Warn("presence reconciliation failed", "system", m.systemName, "member", id, "error", err)
			continue
		}
		m.presenceSent[id] = status
	}
	if m.latch.Active || len(updates) > 0 {
		m.publish(LifecycleEvent{Kind: protocol.EventPresence, Payload: map[string]any{"latch_active": m.latch.Active}})
	}
}

func (m *Manager) handleCommand(ctx context.Context, cmdMsg, secondary *discordgo.Message, cmd ParsedCommand) {
	switch cmd.Kind {
	case CommandEdit:
		if !cmd.AuthorOK || secondary == nil {
			m.reactToMessage(ctx, cmdMsg, "⁉️")
			return
		}
		bot, ok := m.bots[cmd.Author]
		if !ok {
			m.reactToMessage(ctx, cmdMsg, "⁉️")
			return
		}
		edited, err := bot.EditMessage(ctx, secondary.ChannelID, cmd.TargetMessageID, cmd.NewContent)
		if err == nil {
			if cached, ok := m.sendCache.Get(secondary.ChannelID); ok && cached.ID == cmd.TargetMessageID {
				m.sendCache.Add(secondary.ChannelID, edited)
			}
		}
		m.deleteCommandMessage(ctx, cmdMsg)

	case CommandReproxy:
		m.handleReproxy(ctx, cmdMsg, secondary, cmd)

	case CommandDelete:
		if secondary == nil {
			m.reactToMessage(ctx, cmdMsg, "⁉️")
			return
		}
		if _, ok := memberByUserID(m.members, secondary.Author.ID); !ok {
			m.reactToMessage(ctx, cmdMsg, "⁉️")
			return
		}
		bot := m.currentOrDefaultBot()
		if bot != nil {
			_ = bot.DeleteMessage(ctx, secondary.ChannelID, secondary.ID)
		}
		m.deleteCommandMessage(ctx, cmdMsg)

	case CommandNick:
		if cmd.TargetOK && secondary != nil {
			if bot, ok := m.bots[cmd.Target]; ok {
				edited, err := bot.EditMessage(ctx, secondary.ChannelID, secondary.ID, cmd.NewContent)
				if err == nil {
					if cached, ok := m.sendCache.Get(secondary.ChannelID); ok && cached.ID == secondary.ID {
						m.sendCache.Add(secondary.ChannelID, edited)
					}
				}
			}
		}
		m.deleteCommandMessage(ctx, cmdMsg)

	case CommandReload:
		m.deleteCommandMessage(ctx, cmdMsg)
		m.requestSupervisor("reload")

	case CommandExit:
		m.deleteCommandMessage(ctx, cmdMsg)
		m.requestSupervisor("shutdown")

	case CommandPanic:
		m.deleteCommandMessage(ctx, cmdMsg)
		panic(fmt.Sprintf("!panic command issued for system %s", m.systemName))

	case CommandUnknown, CommandInvalid:
		m.reactToMessage(ctx, cmdMsg, "⁉️")
	}
}

func (m *Manager) handleReproxy(ctx context.Context, cmdMsg, secondary *discordgo.Message, cmd ParsedCommand) {
	defer m.deleteCommandMessage(ctx, cmdMsg)

	if secondary == nil || secondary.ID != cmd.TargetMessageID || !cmd.TargetOK {
		m.reactToMessage(ctx, cmdMsg, "⁉️")
		return
	}

	authorMember, ok := memberByUserID(m.members, secondary.Author.ID)
	if !ok {
		m.reactToMessage(ctx, cmdMsg, "\U0001f6d1")
		return
	}

	if authorMember == cmd.Target {
		return
	}

	if _, err := m.proxyMessage(ctx, secondary, cmd.Target, secondary.Content); err == nil {
		m.setLatch(cmd.Target, time.Now())
		m.reconcilePresence(ctx)
	}
}

func (m *Manager) deleteCommandMessage(ctx context.Context, cmdMsg *discordgo.Message) {
	bot := m.currentOrDefaultBot()
	if bot == nil {
		return
	}
	_ = bot.DeleteMessage(ctx, cmdMsg.ChannelID, cmdMsg.ID)
}

func (m *Manager) reactToMessage(ctx context.Context, msg *discordgo.Message, emoji string) {
	bot := m.currentOrDefaultBot()
	if bot == nil {
		return
	}
	_ = bot.ReactMessage(ctx, msg.ChannelID, msg.ID, emoji)
}

// currentOrDefaultBot returns the currently-latched member's bot, or member
// 0's bot if no latch is active — spec.md §4.4's "via the currently-latched
// bot (or bot 0)".
func (m *Manager) currentOrDefaultBot() botHandle {
	if m.latch.Active {
		if b, ok := m.bots[m.latch.Member]; ok {
			return b
		}
	}
	return m.bots[0]
}

func (m *Manager) botOrDefault(id MemberID) botHandle {
	if b, ok := m.bots[id]; ok {
		return b
	}
	return m.bots[0]
}

func (m *Manager) requestSupervisor(kind string) {
	if m.Requests == nil {
		return
	}
	select {
	case m.Requests <- SupervisorRequest{Kind: kind, System: m.systemName}:
	default:
		slog.Warn("supervisor request channel full", "system", m.systemName, "kind", kind)
	}
}

func memberName(members []RuntimeMember, id MemberID) string {
	for _, m := range members {
		if m.ID == id {
			return m.Config.Name
		}
	}
	return ""
}
