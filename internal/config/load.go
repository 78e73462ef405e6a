package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/titanous/json5"
)

type rawAutoproxy struct {
	Mode              string `json:"mode"`
	Name              string `json:"name"`
	Scope             string `json:"scope"`
	TimeoutSeconds    uint32 `json:"timeout_seconds"`
	PresenceIndicator bool   `json:"presence_indicator"`
}

type rawPluralkit struct {
	MessagePattern string `json:"message_pattern"`
	APIToken       string `json:"api_token"`
}

type rawMember struct {
	Name           string `json:"name"`
	MessagePattern string `json:"message_pattern"`
	DiscordToken   string `json:"discord_token"`
	Presence       string `json:"presence"`
	Status         string `json:"status"`
}

type rawSystem struct {
	ReferenceUserID string        `json:"reference_user_id"`
	Members         []rawMember   `json:"members"`
	ForwardPings    *bool         `json:"forward_pings"`
	Autoproxy       *rawAutoproxy `json:"autoproxy"`
	Pluralkit       *rawPluralkit `json:"pluralkit"`
	UIColor         string        `json:"ui_color"`
}

type rawConfig map[string]rawSystem

// Default returns an empty, valid configuration — no systems configured.
func Default() *Config {
	return &Config{Systems: map[string]System{}}
}

// Load reads and parses a JSON5 configuration document at path, applies
// environment-variable token overrides, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw rawConfig
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg, err := fromRaw(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{Systems: make(map[string]System, len(raw))}

	for name, rs := range raw {
		sys := System{
			Name:            name,
			ReferenceUserID: rs.ReferenceUserID,
			ForwardPings:    false,
			UIColor:         rs.UIColor,
		}
		if rs.ForwardPings != nil {
			sys.ForwardPings = *rs.ForwardPings
		}

		for _, rm := range rs.Members {
			pattern, err := compileMemberPattern(rm.MessagePattern)
			if err != nil {
				return nil, fmt.Errorf("system %q member %q: invalid message_pattern: %w", name, rm.Name, err)
			}
			m := Member{
				Name:         rm.Name,
				PatternSrc:   rm.MessagePattern,
				Pattern:      pattern,
				DiscordToken: rm.DiscordToken,
				Status:       rm.Status,
			}
			if rm.Presence != "" {
				p := Presence(strings.ToLower(rm.Presence))
				m.Presence = &p
			}
			sys.Members = append(sys.Members, m)
		}

		if rs.Autoproxy != nil {
			policy, err := autoproxyFromRaw(*rs.Autoproxy)
			if err != nil {
				return nil, fmt.Errorf("system %q: %w", name, err)
			}
			sys.Autoproxy = policy
		}

		if rs.Pluralkit != nil {
			pattern, err := compileMemberPattern(rs.Pluralkit.MessagePattern)
			if err != nil {
				return nil, fmt.Errorf("system %q: invalid pluralkit message_pattern: %w", name, err)
			}
			sys.Pluralkit = &PluralkitConfig{
				MessagePattern: pattern,
				APIToken:       rs.Pluralkit.APIToken,
			}
		}

		cfg.Systems[name] = sys
	}

	return cfg, nil
}

func autoproxyFromRaw(ra rawAutoproxy) (AutoproxyPolicy, error) {
	switch strings.ToLower(ra.Mode) {
	case "member":
		if ra.Name == "" {
			return nil, fmt.Errorf("autoproxy mode \"member\" requires a name")
		}
		return AutoproxyMember{Name: ra.Name}, nil
	case "latch":
		scope := LatchGlobal
		if strings.ToLower(ra.Scope) == "server" {
			scope = LatchServer
		}
		return AutoproxyLatch{
			Scope:             scope,
			Timeout:           time.Duration(ra.TimeoutSeconds) * time.Second,
			PresenceIndicator: ra.PresenceIndicator,
		}, nil
	default:
		return nil, fmt.Errorf("unknown autoproxy mode %q", ra.Mode)
	}
}

// compileMemberPattern anchors a message pattern with ^…$ (if not already
// present) and compiles it case-insensitive, dot-matches-newline — matching
// the original implementation's parse_regex exactly.
func compileMemberPattern(src string) (*regexp.Regexp, error) {
	p := src
	if !strings.HasPrefix(p, "^") {
		p = "^" + p
	}
	if !strings.HasSuffix(p, "$") {
		p = p + "$"
	}
	return regexp.Compile("(?is)" + p)
}

// applyEnvOverrides lets operators keep bot tokens out of the config file on
// disk: SEANCE_<SYSTEM>_<MEMBER>_TOKEN overrides a member's discord_token
// after load, following the teacher's GOCLAW_* overlay convention.
func applyEnvOverrides(cfg *Config) {
	for name, sys := range cfg.Systems {
		for i, m := range sys.Members {
			envKey := "SEANCE_" + envSafe(name) + "_" + envSafe(m.Name) + "_TOKEN"
			if v := os.Getenv(envKey); v != "" {
				sys.Members[i].DiscordToken = v
			}
		}
		cfg.Systems[name] = sys
	}
}

func envSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
