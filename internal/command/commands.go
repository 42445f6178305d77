package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

// Action identifies a privileged command.
type Action string

const (
	ActionStop            Action = "stop"
	ActionStart           Action = "start"
	ActionEnableDirected  Action = "enable_directed"
	ActionDisableDirected Action = "disable_directed"
	ActionEnableWarmup    Action = "enable_warmup"
	ActionDisableWarmup   Action = "disable_warmup"
	ActionStats           Action = "stats"
	ActionClearQueue      Action = "clear_queue"
	ActionSetInterval     Action = "set_interval"
	ActionAddRule         Action = "add_rule"
	ActionDeleteRule      Action = "delete_rule"
	ActionResetStats      Action = "reset_stats"
)

// Destructive reports whether the action must be confirmed before it runs.
func (a Action) Destructive() bool {
	return a == ActionResetStats
}

const (
	MinInterval = 1 * time.Second
	MaxInterval = 30 * time.Second
)

var (
	confirmWords = []string{"confirm", "yes", "y", "ok", "确认", "是"}
	cancelWords  = []string{"cancel", "no", "n", "取消", "否"}
)

// fixed maps exact command text (lowercase) to its action.
var fixed = map[string]Action{
	"stop":             ActionStop,
	"stop auto reply":  ActionStop,
	"停止自动回复":           ActionStop,
	"start":            ActionStart,
	"start auto reply": ActionStart,
	"启动自动回复":           ActionStart,
	"enable directed":  ActionEnableDirected,
	"启用@回复":            ActionEnableDirected,
	"disable directed": ActionDisableDirected,
	"禁用@回复":            ActionDisableDirected,
	"enable warmup":    ActionEnableWarmup,
	"启用暖场":             ActionEnableWarmup,
	"disable warmup":   ActionDisableWarmup,
	"禁用暖场":             ActionDisableWarmup,
	"stats":            ActionStats,
	"统计":               ActionStats,
	"clear queue":      ActionClearQueue,
	"清空队列":             ActionClearQueue,
	"reset stats":      ActionResetStats,
	"重置统计":             ActionResetStats,
}

// prefixed commands carry an argument after the colon.
var prefixed = []struct {
	prefix string
	action Action
}{
	{"setinterval:", ActionSetInterval},
	{"interval:", ActionSetInterval},
	{"addrule:", ActionAddRule},
	{"deleterule:", ActionDeleteRule},
}

// parsed is a recognized command before execution. err is set when the
// command was recognized but its argument is malformed.
type parsed struct {
	action  Action
	arg     string
	payload map[string]string
	err     error
}

func parse(content string) (parsed, bool) {
	text := strings.TrimSpace(content)
	lower := strings.ToLower(text)
	if a, ok := fixed[lower]; ok {
		return parsed{action: a}, true
	}
	// accept full-width colons typed on CJK keyboards
	norm := strings.Replace(lower, "：", ":", 1)
	for _, p := range prefixed {
		if !strings.HasPrefix(norm, p.prefix) {
			continue
		}
		raw := strings.Replace(text, "：", ":", 1)
		arg := strings.TrimSpace(raw[strings.Index(raw, ":")+1:])
		c := parsed{action: p.action, arg: arg}
		c.payload, c.err = validate(p.action, arg)
		return c, true
	}
	return parsed{}, false
}

func validate(a Action, arg string) (map[string]string, error) {
	switch a {
	case ActionSetInterval:
		secs, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed interval %q, use setInterval:5 (1-30 seconds)", arg)
		}
		d := time.Duration(secs * float64(time.Second))
		if d < MinInterval || d > MaxInterval {
			return nil, fmt.Errorf("interval must be between 1 and 30 seconds")
		}
		return map[string]string{"interval": strconv.FormatFloat(secs, 'f', -1, 64)}, nil

	case ActionAddRule:
		parts := strings.Split(arg, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed rule, use addRule:keyword|reply[|mode[|cooldown]]")
		}
		payload := map[string]string{"keyword": parts[0], "reply": parts[1], "mode": string(rules.PickOne), "cooldown": "15"}
		if len(parts) > 2 && parts[2] != "" {
			mode, err := rules.ParseDispatchMode(parts[2])
			if err != nil {
				return nil, err
			}
			payload["mode"] = string(mode)
		}
		if len(parts) > 3 && parts[3] != "" {
			n, err := strconv.Atoi(parts[3])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("malformed cooldown %q, use a whole number of seconds", parts[3])
			}
			payload["cooldown"] = strconv.Itoa(n)
		}
		return payload, nil

	case ActionDeleteRule:
		if arg == "" {
			return nil, fmt.Errorf("malformed command, use deleteRule:keyword")
		}
		return map[string]string{"keyword": arg}, nil
	}
	return nil, nil
}

// RuleFromPayload builds the keyword rule an addRule command describes.
func RuleFromPayload(p map[string]string) rules.Rule {
	cooldown, _ := strconv.Atoi(p["cooldown"])
	return rules.Rule{
		Tier:      rules.TierKeyword,
		Trigger:   p["keyword"],
		Responses: rules.SplitPool(p["reply"]),
		Mode:      rules.DispatchMode(p["mode"]),
		Cooldown:  time.Duration(cooldown) * time.Second,
		Active:    true,
	}
}

func matchesAny(content string, words []string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	for _, w := range words {
		if c == w {
			return true
		}
	}
	return false
}
