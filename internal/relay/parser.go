package relay

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// ParsedKind discriminates the classification outcomes of Parse.
type ParsedKind int

const (
	KindUnproxied ParsedKind = iota
	KindProxied
	KindLatchClear
	KindSetProxyAndDelete
	KindCommand
)

// CommandKind discriminates the command grammar handled by Parse when a
// message starts with "!".
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandInvalid
	CommandEdit
	CommandNick
	CommandReproxy
	CommandReload
	CommandExit
	CommandPanic
	CommandDelete
)

// ParsedCommand is the output of command classification.
type ParsedCommand struct {
	Kind CommandKind

	// Author is the member whose bot authored the secondary (target)
	// message — it performs the edit, not the member the invoker latched
	// to. Populated for CommandEdit.
	Author   MemberID
	AuthorOK bool

	// Target is the mention-resolved member for Nick/Reproxy.
	Target   MemberID
	TargetOK bool

	TargetMessageID string
	NewContent      string
	InvalidReason   string
}

// ParsedMessage is the total result of Parse: exactly one of these variants,
// selected by Kind.
type ParsedMessage struct {
	Kind ParsedKind

	Member   MemberID
	MemberOK bool
	Content  string
	Latch    bool

	// ClearMember is the currently-latched member, or 0 if no latch is
	// active — "current_latch_member_or_0" per spec.md §4.3 rule 1.
	ClearMember MemberID

	Command ParsedCommand
}

var correctionRegex = regexp.MustCompile(`^\*\B+$`)
var mentionRegex = regexp.MustCompile(`^<@!?(\d+)>$`)

// Parse classifies a canonical message into exactly one ParsedMessage
// variant, in the seven-rule precedence order from spec.md §4.3. It is a
// pure function: no I/O, no mutation of members or latch.
func Parse(content string, secondary *discordgo.Message, members []RuntimeMember, latch LatchState) ParsedMessage {
	if content == `\\` {
		if latch.Active {
			return ParsedMessage{Kind: KindLatchClear, ClearMember: latch.Member}
		}
		return ParsedMessage{Kind: KindLatchClear, ClearMember: 0}
	}

	if strings.HasPrefix(content, `\`) {
		return ParsedMessage{Kind: KindUnproxied}
	}

	if strings.HasPrefix(content, "!") {
		return ParsedMessage{Kind: KindCommand, Command: parseCommand(content, secondary, members)}
	}

	if correctionRegex.MatchString(content) {
		if pm, ok := checkCorrection(); ok {
			return pm
		}
	}

	if pm, ok := checkMemberPatterns(content, secondary, members); ok {
		return pm
	}

	if latch.Active {
		return ParsedMessage{Kind: KindProxied, Member: latch.Member, MemberOK: true, Content: content, Latch: true}
	}

	return ParsedMessage{Kind: KindUnproxied}
}

// checkCorrection is the correction hook for a bare "*"-shaped message
// (correctionRegex). Unimplemented upstream too — it always resolves to
// nothing, so Parse always falls through to checkMemberPatterns regardless
// of whether correctionRegex matched (spec.md §4.3 rule 4).
func checkCorrection() (ParsedMessage, bool) {
	return ParsedMessage{}, false
}

func checkMemberPatterns(content string, secondary *discordgo.Message, members []RuntimeMember) (ParsedMessage, bool) {
	for _, m := range members {
		match := m.Config.Pattern.FindStringSubmatch(content)
		if match == nil {
			continue
		}
		idx := m.Config.Pattern.SubexpIndex("content")
		matched := ""
		if idx >= 0 && idx < len(match) {
			matched = match[idx]
		}
		trimmed := strings.TrimSpace(matched)

		switch {
		case trimmed == "*":
			cmd := ParsedCommand{Kind: CommandReproxy, Target: m.ID, TargetOK: true}
			if secondary != nil {
				cmd.TargetMessageID = secondary.ID
			}
			return ParsedMessage{Kind: KindCommand, Command: cmd}, true
		case trimmed != "":
			return ParsedMessage{Kind: KindProxied, Member: m.ID, MemberOK: true, Content: matched, Latch: true}, true
		default:
			return ParsedMessage{Kind: KindSetProxyAndDelete, Member: m.ID, MemberOK: true}, true
		}
	}
	return ParsedMessage{}, false
}

// parseCommand implements the "!..." command grammar, precisely mirroring
// the original implementation's parse_command: edit/nick/reproxy resolve by
// first word, unresolved mentions and unknown words fall through to an
// attempt at the "!s" sed-substitution grammar, and finally to
// CommandUnknown.
func parseCommand(content string, secondary *discordgo.Message, members []RuntimeMember) ParsedCommand {
	rest := strings.TrimPrefix(content, "!")
	fields := strings.Fields(rest)

	if len(fields) == 0 {
		return ParsedCommand{Kind: CommandUnknown}
	}

	switch strings.ToLower(fields[0]) {
	case "edit":
		if secondary == nil {
			break
		}
		author, ok := memberByUserID(members, secondary.Author.ID)
		if !ok {
			break
		}
		newContent := remainderAfterWord(rest, fields[0])
		return ParsedCommand{Kind: CommandEdit, Author: author, AuthorOK: true, TargetMessageID: secondary.ID, NewContent: newContent}

	case "nick":
		if len(fields) < 2 {
			break
		}
		target, ok := matchMention(fields[1], members)
		if !ok {
			break
		}
		return ParsedCommand{Kind: CommandNick, Target: target, TargetOK: true, NewContent: remainderAfterWord(rest, fields[0]+" "+fields[1])}

	case "reproxy":
		if len(fields) < 2 || secondary == nil {
			break
		}
		target, ok := matchMention(fields[1], members)
		if !ok {
			break
		}
		return ParsedCommand{Kind: CommandReproxy, Target: target, TargetOK: true, TargetMessageID: secondary.ID}

	case "reload":
		return ParsedCommand{Kind: CommandReload}

	case "exit":
		return ParsedCommand{Kind: CommandExit}

	case "panic":
		return ParsedCommand{Kind: CommandPanic}
	}

	// Attempt "!s<sep><pattern><sep><replacement>[<sep><flags>]".
	if len(content) >= 2 && content[1] == 's' {
		if cmd, ok := parseSubstitute(content, secondary, members); ok {
			return cmd
		}
	}

	return ParsedCommand{Kind: CommandUnknown}
}

func parseSubstitute(content string, secondary *discordgo.Message, members []RuntimeMember) (ParsedCommand, bool) {
	if len(content) < 3 {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: "truncated !s command"}, true
	}
	sep := string(content[2])
	parts := strings.Split(content, sep)
	if len(parts) != 3 && len(parts) != 4 {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: "expected 2 or 3 separator-delimited parts"}, true
	}

	pattern := parts[1]
	replacement := parts[2]
	flags := ""
	if len(parts) == 4 {
		flags = parts[3]
	}

	reFlags, global, err := translateSubstituteFlags(flags)
	if err != nil {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: err.Error()}, true
	}

	re, err := regexp.Compile(reFlags + pattern)
	if err != nil {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: "bad pattern: " + err.Error()}, true
	}

	if secondary == nil {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: "no target message to substitute against"}, true
	}

	var newContent string
	if global {
		newContent = re.ReplaceAllString(secondary.Content, replacement)
	} else {
		newContent = replaceFirst(re, secondary.Content, replacement)
	}

	author, ok := memberByUserID(members, secondary.Author.ID)
	if !ok {
		return ParsedCommand{Kind: CommandInvalid, InvalidReason: "target message not authored by a known member"}, true
	}

	return ParsedCommand{
		Kind:            CommandEdit,
		Author:          author,
		AuthorOK:        true,
		TargetMessageID: secondary.ID,
		NewContent:      newContent,
	}, true
}

// translateSubstituteFlags renders the sed-style flag set onto a Go regexp
// inline-flag prefix: 'i', 'm', 's' and 'U' (swap greed) map onto Go's own
// inline flags. Go's RE2 engine has no ignore-whitespace ('x') or CRLF ('R')
// equivalent, so those two are accepted but have no effect.
func translateSubstituteFlags(flags string) (prefix string, global bool, err error) {
	var caseInsensitive, multiline, dotAll, ungreedy bool
	for _, f := range flags {
		switch f {
		case 'i':
			caseInsensitive = true
		case 'm':
			multiline = true
		case 'g':
			global = true
		case 'x':
			// ignore-whitespace has no RE2 inline-flag analogue; accepted as a no-op.
		case 'R':
			// CRLF mode has no RE2 analogue; accepted as a no-op.
		case 's':
			dotAll = true
		case 'U':
			ungreedy = true
		default:
			return "", false, &ParserInvalidCommandError{Reason: "unknown substitution flag: " + string(f)}
		}
	}

	flagStr := ""
	if caseInsensitive {
		flagStr += "i"
	}
	if multiline {
		flagStr += "m"
	}
	if dotAll {
		flagStr += "s"
	}
	if ungreedy {
		flagStr += "U"
	}
	if flagStr == "" {
		return "", global, nil
	}
	return "(?" + flagStr + ")", global, nil
}

// replaceFirst replaces only the first match of re in s, since Go's regexp
// package has no built-in single-replace.
func replaceFirst(re *regexp.Regexp, s, replacement string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	expanded := re.ReplaceAllString(s[loc[0]:loc[1]], replacement)
	return s[:loc[0]] + expanded + s[loc[1]:]
}

func remainderAfterWord(rest, prefixWords string) string {
	idx := strings.Index(rest, prefixWords)
	if idx < 0 {
		return ""
	}
	after := rest[idx+len(prefixWords):]
	return strings.TrimSpace(after)
}

func matchMention(token string, members []RuntimeMember) (MemberID, bool) {
	m := mentionRegex.FindStringSubmatch(token)
	if m == nil {
		return 0, false
	}
	return memberByUserID(members, m[1])
}

func memberByUserID(members []RuntimeMember, userID string) (MemberID, bool) {
	if userID == "" {
		return 0, false
	}
	for _, m := range members {
		if m.UserID != "" && m.UserID == userID {
			return m.ID, true
		}
	}
	return 0, false
}
