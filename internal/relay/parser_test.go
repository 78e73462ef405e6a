package relay

import (
	"regexp"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/duskward/seance/internal/config"
)

func testMembers(names ...string) []RuntimeMember {
	members := make([]RuntimeMember, len(names))
	for i, n := range names {
		members[i] = RuntimeMember{
			ID:     MemberID(i),
			Config: config.Member{Name: n, Pattern: memberPattern(n)},
			UserID: itoa(1000 + i),
		}
	}
	return members
}

// TestParserTotality exercises spec.md §8's "Parser totality": every input
// classifies to exactly one variant, never panics, never returns an
// ambiguous result.
func TestParserTotality(t *testing.T) {
	members := testMembers("A")
	cases := []string{"", "hello", "A: hi", `\x`, `\\`, "!edit foo", "!bogus", "*x"}
	for _, c := range cases {
		got := Parse(c, nil, members, LatchState{})
		if got.Kind < KindUnproxied || got.Kind > KindCommand {
			t.Fatalf("Parse(%q) produced an out-of-range kind %v", c, got.Kind)
		}
	}
}

func TestParse_HardLatchClear_NoActiveLatch(t *testing.T) {
	got := Parse(`\\`, nil, nil, LatchState{})
	if got.Kind != KindLatchClear || got.ClearMember != 0 {
		t.Fatalf("expected LatchClear(0) with no active latch, got %+v", got)
	}
}

func TestParse_HardLatchClear_ActiveLatch(t *testing.T) {
	got := Parse(`\\`, nil, nil, LatchState{Active: true, Member: 3})
	if got.Kind != KindLatchClear || got.ClearMember != 3 {
		t.Fatalf("expected LatchClear(3), got %+v", got)
	}
}

func TestParse_Escape(t *testing.T) {
	got := Parse(`\anything`, nil, testMembers("A"), LatchState{})
	if got.Kind != KindUnproxied {
		t.Fatalf("expected UnproxiedMessage for an escaped message, got %+v", got)
	}
}

func TestParse_RegexAnchoring(t *testing.T) {
	members := testMembers("A")
	// A pattern that does not fully cover the content must never match
	// (spec.md §8 "Regex anchoring").
	got := Parse("xA: hello", nil, members, LatchState{})
	if got.Kind == KindProxied {
		t.Fatalf("expected an unanchored prefix not to match, got %+v", got)
	}
}

func TestParse_MemberPrefixProxies(t *testing.T) {
	members := testMembers("A")
	got := Parse("A: hello", nil, members, LatchState{})
	if got.Kind != KindProxied || got.Member != 0 || got.Content != "hello" || !got.Latch {
		t.Fatalf("expected ProxiedMessage{0, hello, latch=true}, got %+v", got)
	}
}

func TestParse_EmptyCaptureSetsProxyAndDeletes(t *testing.T) {
	members := testMembers("A")
	got := Parse("A:", nil, members, LatchState{})
	if got.Kind != KindSetProxyAndDelete || got.Member != 0 {
		t.Fatalf("expected SetProxyAndDelete(0) for an empty capture, got %+v", got)
	}
}

func TestParse_StarCaptureIsReproxy(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1"}
	got := Parse("A: *", secondary, members, LatchState{})
	if got.Kind != KindCommand || got.Command.Kind != CommandReproxy || got.Command.Target != 0 {
		t.Fatalf("expected Command(Reproxy(0, m1)) for a bare \"*\" capture, got %+v", got)
	}
	if got.Command.TargetMessageID != "m1" {
		t.Fatalf("expected reproxy target message id m1, got %q", got.Command.TargetMessageID)
	}
}

func TestParse_LatchFallthrough(t *testing.T) {
	latch := LatchState{Active: true, Member: 2}
	got := Parse("no prefix here", nil, nil, latch)
	if got.Kind != KindProxied || got.Member != 2 || got.Content != "no prefix here" {
		t.Fatalf("expected latched proxy, got %+v", got)
	}
}

func TestParse_NoLatchNoMatchIsUnproxied(t *testing.T) {
	got := Parse("just chatting", nil, nil, LatchState{})
	if got.Kind != KindUnproxied {
		t.Fatalf("expected UnproxiedMessage, got %+v", got)
	}
}

func TestParseCommand_Edit(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "1000"}}
	got := Parse("!edit new content here", secondary, members, LatchState{})
	if got.Kind != KindCommand || got.Command.Kind != CommandEdit {
		t.Fatalf("expected Command(Edit), got %+v", got)
	}
	if got.Command.Author != 0 || got.Command.NewContent != "new content here" {
		t.Fatalf("expected Edit(author=0, \"new content here\"), got %+v", got.Command)
	}
}

func TestParseCommand_EditUnresolvedAuthorFallsThrough(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "unknown-user"}}
	got := Parse("!edit x", secondary, members, LatchState{})
	if got.Command.Kind == CommandEdit {
		t.Fatalf("expected edit against an unresolved author to fall through, got %+v", got.Command)
	}
}

func TestParseCommand_Nick(t *testing.T) {
	members := testMembers("A")
	got := Parse("!nick <@1000> newname", nil, members, LatchState{})
	if got.Command.Kind != CommandNick || got.Command.Target != 0 || got.Command.NewContent != "newname" {
		t.Fatalf("expected Nick(0, \"newname\"), got %+v", got.Command)
	}
}

func TestParseCommand_Reproxy(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m9"}
	got := Parse("!reproxy <@1000>", secondary, members, LatchState{})
	if got.Command.Kind != CommandReproxy || got.Command.Target != 0 || got.Command.TargetMessageID != "m9" {
		t.Fatalf("expected Reproxy(0, m9), got %+v", got.Command)
	}
}

func TestParseCommand_ReloadExitPanic(t *testing.T) {
	for word, kind := range map[string]CommandKind{"!reload": CommandReload, "!exit": CommandExit, "!panic": CommandPanic} {
		got := Parse(word, nil, nil, LatchState{})
		if got.Command.Kind != kind {
			t.Fatalf("expected %q to parse as %v, got %v", word, kind, got.Command.Kind)
		}
	}
}

func TestParseCommand_UnknownWord(t *testing.T) {
	got := Parse("!frobnicate", nil, nil, LatchState{})
	if got.Command.Kind != CommandUnknown {
		t.Fatalf("expected CommandUnknown, got %+v", got.Command)
	}
}

func TestParseCommand_SubstituteGlobalFlag(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Content: "a a a", Author: &discordgo.User{ID: "1000"}}
	got := Parse("!s/a/b/g", secondary, members, LatchState{})
	if got.Command.Kind != CommandEdit || got.Command.NewContent != "b b b" {
		t.Fatalf("expected global substitution \"b b b\", got %+v", got.Command)
	}
}

func TestParseCommand_SubstituteFirstMatchOnly(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Content: "a a a", Author: &discordgo.User{ID: "1000"}}
	got := Parse("!s/a/b/", secondary, members, LatchState{})
	if got.Command.Kind != CommandEdit || got.Command.NewContent != "b a a" {
		t.Fatalf("expected first-match substitution \"b a a\", got %+v", got.Command)
	}
}

func TestParseCommand_SubstituteInvalidFlag(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Content: "a", Author: &discordgo.User{ID: "1000"}}
	got := Parse("!s/a/b/z", secondary, members, LatchState{})
	if got.Command.Kind != CommandInvalid {
		t.Fatalf("expected CommandInvalid for an unknown flag, got %+v", got.Command)
	}
}

func TestParseCommand_SubstituteCaseInsensitive(t *testing.T) {
	members := testMembers("A")
	secondary := &discordgo.Message{ID: "m1", Content: "HELLO", Author: &discordgo.User{ID: "1000"}}
	got := Parse("!s/hello/bye/i", secondary, members, LatchState{})
	if got.Command.Kind != CommandEdit || got.Command.NewContent != "bye" {
		t.Fatalf("expected case-insensitive substitution \"bye\", got %+v", got.Command)
	}
}

func TestParseCommand_SubstituteTruncated(t *testing.T) {
	got := Parse("!s", nil, nil, LatchState{})
	if got.Command.Kind != CommandInvalid {
		t.Fatalf("expected CommandInvalid for a truncated !s, got %+v", got.Command)
	}
}

func TestCorrectionRegexFallsThrough(t *testing.T) {
	// A leading "*" that doesn't match any member pattern and isn't the
	// bare correction token falls through to the active latch rather than
	// being treated as a command (spec.md §4.3 rule 4).
	members := testMembers("A")
	got := Parse("*abc", nil, members, LatchState{Active: true, Member: 0})
	if got.Kind != KindProxied || got.Member != 0 {
		t.Fatalf("expected fallthrough to the active latch, got %+v", got)
	}
}

func TestCorrectionRegexMatchStillTriesMemberPatterns(t *testing.T) {
	// correctionRegex matches the bare "*" exactly. check_correction is a
	// no-op upstream, so member-pattern matching must still be attempted on
	// content correctionRegex matched, not skipped (spec.md §4.3 rule 4).
	members := []RuntimeMember{{
		ID:     0,
		Config: config.Member{Name: "A", Pattern: regexp.MustCompile(`^\*$`)},
		UserID: "1000",
	}}
	got := Parse("*", nil, members, LatchState{})
	if got.Kind != KindSetProxyAndDelete || got.Member != 0 || !got.MemberOK {
		t.Fatalf("expected member-pattern match to win over the no-op correction hook, got %+v", got)
	}
}
