package relay

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/duskward/seance/internal/config"
)

// fakeBot is a botHandle test double that records every call it receives so
// assertions can check the Manager issued the right REST operations without
// a real gateway connection.
type fakeBot struct {
	name     string
	authorID string

	duplicateErr error
	deleteErr    error
	editErr      error

	duplicateCalls []string
	deletedIDs     []string
	reactedEmoji   []string
	editedContent  []string

	nextMessageID int
}

func (f *fakeBot) Start(context.Context) error { return nil }
func (f *fakeBot) Stop() error                 { return nil }
func (f *fakeBot) SetStatus(context.Context, config.Presence) error { return nil }

func (f *fakeBot) DuplicateMessage(_ context.Context, source *discordgo.Message, newContent string) (*discordgo.Message, error) {
	f.duplicateCalls = append(f.duplicateCalls, newContent)
	if f.duplicateErr != nil {
		return nil, f.duplicateErr
	}
	f.nextMessageID++
	return &discordgo.Message{
		ID:        "dup-" + f.name + "-" + itoa(f.nextMessageID),
		ChannelID: source.ChannelID,
		Content:   newContent,
		Author:    &discordgo.User{ID: f.authorID},
	}, nil
}

func (f *fakeBot) DeleteMessage(_ context.Context, _, messageID string) error {
	f.deletedIDs = append(f.deletedIDs, messageID)
	return f.deleteErr
}

func (f *fakeBot) EditMessage(_ context.Context, channelID, messageID, newContent string) (*discordgo.Message, error) {
	f.editedContent = append(f.editedContent, newContent)
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID, Content: newContent, Author: &discordgo.User{ID: f.authorID}}, nil
}

func (f *fakeBot) ReactMessage(_ context.Context, _, _, emoji string) error {
	f.reactedEmoji = append(f.reactedEmoji, emoji)
	return nil
}

func (f *fakeBot) FetchMessage(context.Context, string, string) (*discordgo.Message, error) {
	return nil, nil
}

func (f *fakeBot) FetchRecentChannelMessages(context.Context, string, int) ([]*discordgo.Message, error) {
	return nil, nil
}

func (f *fakeBot) ResendMessage(context.Context, string, string) error { return nil }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func memberPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)^` + prefix + `:\s*(?P<content>.*)$`)
}

// newTestManager builds a Manager with fake bots wired in directly,
// bypassing Start (no gateway connection involved).
func newTestManager(t *testing.T, autoproxy config.AutoproxyPolicy, names ...string) (*Manager, map[MemberID]*fakeBot) {
	t.Helper()

	cfg := config.System{ReferenceUserID: "human-1", Autoproxy: autoproxy}
	for _, n := range names {
		cfg.Members = append(cfg.Members, config.Member{Name: n, Pattern: memberPattern(n)})
	}

	m, err := NewManager("test-system", cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	fakes := make(map[MemberID]*fakeBot)
	for i, n := range names {
		id := MemberID(i)
		userID := itoa(1000 + i)
		fb := &fakeBot{name: n, authorID: userID}
		fakes[id] = fb
		m.bots[id] = fb
		m.members[i].UserID = userID
	}
	return m, fakes
}

func canonicalMessage(channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "src-1",
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: "human-1"},
		Timestamp: time.Now(),
	}
}

// Scenario 1 (spec.md §8): simple prefix proxy.
func TestHandleMessage_SimplePrefixProxy(t *testing.T) {
	m, fakes := newTestManager(t, config.AutoproxyLatch{Scope: config.LatchGlobal, Timeout: 30 * time.Second, PresenceIndicator: true}, "A")

	msg := canonicalMessage("chan-1", "A: hello")
	m.handleMessage(context.Background(), SystemEvent{
		EventKind: EventNewMessage,
		Message:   msg,
		Observer:  0,
		Timestamp: time.Now(),
	})

	fb := fakes[0]
	if len(fb.duplicateCalls) != 1 || fb.duplicateCalls[0] != "hello" {
		t.Fatalf("expected duplicate(\"hello\"), got %v", fb.duplicateCalls)
	}
	if len(fb.deletedIDs) != 1 || fb.deletedIDs[0] != "src-1" {
		t.Fatalf("expected source deleted, got %v", fb.deletedIDs)
	}
	if !m.latch.Active || m.latch.Member != 0 {
		t.Fatalf("expected latch active on member 0, got %+v", m.latch)
	}
	if cached, ok := m.sendCache.Get("chan-1"); !ok || cached.Content != "hello" {
		t.Fatalf("expected send-cache to hold the duplicate")
	}
}

// Scenario 2: escape prevents any proxy or latch change.
func TestHandleMessage_Escape(t *testing.T) {
	m, fakes := newTestManager(t, nil, "A")
	m.handleMessage(context.Background(), SystemEvent{
		Message:  canonicalMessage("chan-1", `\raw`),
		Observer: 0,
	})
	if len(fakes[0].duplicateCalls) != 0 || len(fakes[0].deletedIDs) != 0 {
		t.Fatalf("expected no bot activity for an escaped message")
	}
	if m.latch.Active {
		t.Fatalf("expected latch unaffected by an escaped message")
	}
}

// Scenario 3: hard latch clear.
func TestHandleMessage_HardLatchClear(t *testing.T) {
	m, fakes := newTestManager(t, config.AutoproxyLatch{Scope: config.LatchGlobal, Timeout: time.Minute, PresenceIndicator: true}, "A")
	m.latch = LatchState{Active: true, Member: 0, Since: time.Now()}

	m.handleMessage(context.Background(), SystemEvent{
		Message:  canonicalMessage("chan-1", `\\`),
		Observer: 0,
	})

	if len(fakes[0].deletedIDs) != 1 {
		t.Fatalf("expected the clear message to be deleted by the latched bot")
	}
	if m.latch.Active {
		t.Fatalf("expected latch cleared")
	}
}

// Scenario 4: latch timeout supersession.
func TestAutoproxyTimeoutSupersession(t *testing.T) {
	m, _ := newTestManager(t, config.AutoproxyLatch{Scope: config.LatchGlobal, Timeout: 30 * time.Second, PresenceIndicator: true}, "A")

	t0 := time.Unix(0, 0)
	t20 := t0.Add(20 * time.Second)

	m.latch = LatchState{Active: true, Member: 0, Since: t20}

	// A timer scheduled at t=0 firing after the latch has since moved to
	// t=20 must be ignored (superseded).
	m.handleAutoproxyTimeout(context.Background(), SystemEvent{EventKind: EventAutoproxyTimeout, Timestamp: t0})
	if !m.latch.Active {
		t.Fatalf("expected superseded timer (ts=0) to leave an active latch set at ts=20")
	}

	// The timer scheduled for the latch's own timestamp clears it.
	m.handleAutoproxyTimeout(context.Background(), SystemEvent{EventKind: EventAutoproxyTimeout, Timestamp: t20})
	if m.latch.Active {
		t.Fatalf("expected matching-timestamp timer to clear the latch")
	}
}

// Scenario 5: sed edit against the send-cache's current entry.
func TestHandleCommand_SedEdit(t *testing.T) {
	m, fakes := newTestManager(t, nil, "A")

	cached := &discordgo.Message{ID: "m1", ChannelID: "chan-1", Content: "hello world", Author: &discordgo.User{ID: fakes[0].authorID}}
	m.sendCache.Add("chan-1", cached)

	cmdMsg := canonicalMessage("chan-1", "!s/world/there/")
	cmdMsg.MessageReference = &discordgo.MessageReference{MessageID: "m1", ChannelID: "chan-1"}
	cmdMsg.ReferencedMessage = cached

	m.handleMessage(context.Background(), SystemEvent{Message: cmdMsg, Observer: 0})

	fb := fakes[0]
	if len(fb.editedContent) != 1 || fb.editedContent[0] != "hello there" {
		t.Fatalf("expected edit to \"hello there\", got %v", fb.editedContent)
	}
	if updated, ok := m.sendCache.Get("chan-1"); !ok || updated.Content != "hello there" {
		t.Fatalf("expected send-cache entry replaced with edited content")
	}
	if len(fb.deletedIDs) != 1 || fb.deletedIDs[0] != cmdMsg.ID {
		t.Fatalf("expected the command message deleted")
	}
}

// Scenario 6: reproxy across members.
func TestHandleCommand_ReproxyAcrossMembers(t *testing.T) {
	m, fakes := newTestManager(t, config.AutoproxyLatch{Scope: config.LatchGlobal, Timeout: time.Minute, PresenceIndicator: true}, "A", "B")

	secondary := &discordgo.Message{ID: "m1", ChannelID: "chan-1", Content: "hello", Author: &discordgo.User{ID: fakes[0].authorID}}
	m.sendCache.Add("chan-1", secondary)

	cmdMsg := canonicalMessage("chan-1", "!reproxy <@"+fakes[1].authorID+">")
	cmdMsg.MessageReference = &discordgo.MessageReference{MessageID: "m1", ChannelID: "chan-1"}
	cmdMsg.ReferencedMessage = secondary

	m.handleMessage(context.Background(), SystemEvent{Message: cmdMsg, Observer: 0, Timestamp: time.Now()})

	fbB := fakes[1]
	if len(fbB.duplicateCalls) != 1 || fbB.duplicateCalls[0] != "hello" {
		t.Fatalf("expected B to duplicate \"hello\", got %v", fbB.duplicateCalls)
	}
	// The Proxy Protocol's delete step always runs through the new member's
	// bot (B here), per spec.md §4.4.1 applied with member=B — not A, even
	// though A authored the original message. B is also now latched, so it
	// performs the trailing command-message delete too.
	if len(fbB.deletedIDs) != 2 || fbB.deletedIDs[0] != "m1" || fbB.deletedIDs[1] != cmdMsg.ID {
		t.Fatalf("expected B's bot to delete the original then the command message, got %v", fbB.deletedIDs)
	}
	if !m.latch.Active || m.latch.Member != 1 {
		t.Fatalf("expected latch on B after reproxy, got %+v", m.latch)
	}
}

// Scenario 7: permission-denied delete during the Proxy Protocol rolls back
// the duplicate and reacts on the source.
func TestProxyMessage_PermissionDeniedRollsBack(t *testing.T) {
	m, fakes := newTestManager(t, nil, "A")
	fakes[0].deleteErr = &DeleteError{Permission: true}

	source := canonicalMessage("chan-1", "A: hello")
	_, err := m.proxyMessage(context.Background(), source, 0, "hello")
	if err == nil {
		t.Fatal("expected proxyMessage to return an error when delete fails")
	}

	fb := fakes[0]
	if len(fb.duplicateCalls) != 1 {
		t.Fatalf("expected exactly one duplicate call, got %d", len(fb.duplicateCalls))
	}
	if len(fb.deletedIDs) != 2 {
		t.Fatalf("expected delete(source) then rollback delete(duplicate), got %v", fb.deletedIDs)
	}
	if fb.deletedIDs[0] != source.ID {
		t.Fatalf("expected first delete to target the source message")
	}
	if _, ok := m.sendCache.Get("chan-1"); ok {
		t.Fatalf("expected no ghost entry in the send-cache after rollback")
	}
}

func TestHandleCommand_UnknownReactsWithQuestionMark(t *testing.T) {
	m, fakes := newTestManager(t, nil, "A")

	cmdMsg := canonicalMessage("chan-1", "!bogus")
	m.handleMessage(context.Background(), SystemEvent{Message: cmdMsg, Observer: 0})

	fb := fakes[0]
	if len(fb.reactedEmoji) != 1 || fb.reactedEmoji[0] != "⁉️" {
		t.Fatalf("expected a ⁉️ reaction for an unknown command, got %v", fb.reactedEmoji)
	}
}
