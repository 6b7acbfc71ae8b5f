package response

import (
	"math/rand"
	"strings"

	"github.com/tasktalk/server/internal/dialog/config"
)

// Template pool keys. Bot config can override any of them under the
// responses section; task and entity specs can override per task.
const (
	KeyGreeting       = "greeting"
	KeyGoodbye        = "goodbye"
	KeyWelcomeBack    = "welcome_back"
	KeyGotIntent      = "got_intent"
	KeyAskInfo        = "ask_info"
	KeyConfirmIntent  = "confirm_intent"
	KeyConfirmEntity  = "confirm_entity"
	KeyChooseEntity   = "choose_entity"
	KeyConfirmFinish  = "confirm_finish"
	KeyConfirmContinue = "confirm_continue"
	KeySuggestTasks   = "suggest_tasks"
	KeyForwardHuman   = "forward_to_human"
	KeyTaskSuccess    = "task_success"
	KeyTaskFail       = "task_fail"
	KeyRespell        = "respell"
	KeyGotInfo        = "got_info"
	KeyEmpty          = "empty"
)

// Substitution tokens recognised inside templates.
const (
	TokenTask  = "<Task>"
	TokenInfo  = "<Info>"
	TokenValue = "<Value>"
)

var defaultPools = map[string][]string{
	KeyGreeting: {
		"Hello! How can I help you today?",
		"Hi there! What can I do for you?",
	},
	KeyGoodbye: {
		"Goodbye! Have a great day.",
		"Bye! Happy to help any time.",
	},
	KeyWelcomeBack: {
		"Welcome back! We were working on <Task>.",
	},
	KeyGotIntent: {
		"Sure, I can help you with <Task>.",
		"Got it, let's work on <Task>.",
	},
	KeyAskInfo: {
		"Could you tell me your <Info>?",
		"What is your <Info>?",
	},
	KeyConfirmIntent: {
		"Do you want to <Task>?",
		"Just to confirm, would you like to <Task>?",
	},
	KeyConfirmEntity: {
		"Is your <Info> <Value>?",
		"Just to confirm, your <Info> is <Value>, right?",
	},
	KeyChooseEntity: {
		"I found several values for <Info>: <Value>. Which one do you mean?",
	},
	KeyConfirmFinish: {
		"Is there anything else I can help you with?",
	},
	KeyConfirmContinue: {
		"Would you like to continue with <Task>?",
	},
	KeySuggestTasks: {
		"I can help you with the following: <Value>.",
	},
	KeyForwardHuman: {
		"Let me transfer you to a live agent.",
	},
	KeyTaskSuccess: {
		"Your request for <Task> is complete.",
	},
	KeyTaskFail: {
		"Sorry, I wasn't able to complete <Task>.",
	},
	KeyRespell: {
		"Sorry, I didn't get that. Could you spell your <Info> letter by letter?",
	},
	KeyGotInfo: {
		"Your <Info> is <Value>.",
	},
	KeyEmpty: {
		"<empty></empty>",
	},
}

// Args carry substitution values for one rendered response.
type Args struct {
	Task  string
	Info  string
	Value string
}

// Composer picks and renders responses. Pools come from the defaults,
// overridden by the bot configuration's responses section.
type Composer struct {
	pools map[string][]string
	rng   *rand.Rand
}

// NewComposer builds a composer over the bot's response overrides. A nil
// rng falls back to the global source.
func NewComposer(bot *config.Bot, rng *rand.Rand) *Composer {
	pools := make(map[string][]string, len(defaultPools))
	for k, v := range defaultPools {
		pools[k] = v
	}
	if bot != nil {
		for k, v := range bot.Responses {
			if len(v) > 0 {
				pools[k] = v
			}
		}
	}
	return &Composer{pools: pools, rng: rng}
}

// Render picks one template from a pool and fills in the arguments.
func (c *Composer) Render(key string, args Args) string {
	pool := c.pools[key]
	if len(pool) == 0 {
		return ""
	}
	return c.fill(c.pick(pool), args)
}

// RenderTemplate fills arguments into an explicit template, used for
// per-task and per-entity overrides from the config.
func (c *Composer) RenderTemplate(tmpl string, args Args) string {
	return c.fill(tmpl, args)
}

// Pick chooses one string from a pool of candidates.
func (c *Composer) Pick(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return c.pick(candidates)
}

func (c *Composer) pick(pool []string) string {
	if len(pool) == 1 {
		return pool[0]
	}
	if c.rng != nil {
		return pool[c.rng.Intn(len(pool))]
	}
	return pool[rand.Intn(len(pool))]
}

func (c *Composer) fill(tmpl string, args Args) string {
	out := tmpl
	out = strings.ReplaceAll(out, TokenTask, args.Task)
	out = strings.ReplaceAll(out, TokenInfo, args.Info)
	out = strings.ReplaceAll(out, TokenValue, args.Value)
	// lowercase variant used by some hand-written configs
	out = strings.ReplaceAll(out, "<info>", args.Info)
	return strings.TrimSpace(out)
}

// Join concatenates non-empty fragments with single spaces, the shape of a
// final turn reply.
func Join(fragments ...string) string {
	var parts []string
	for _, f := range fragments {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}
