package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	errx "github.com/tasktalk/server/internal/core/error"
)

// ============================================================
// Leaf functions
// ============================================================

// FuncType selects how a leaf node treats its entity value.
type FuncType string

const (
	FuncSimple FuncType = "simple"
	FuncVerify FuncType = "verify"
	FuncInform FuncType = "inform"
	FuncUpdate FuncType = "update"
	FuncAPI    FuncType = "api"
	FuncQuery  FuncType = "query"
	FuncInsert FuncType = "insert"
	FuncDelete FuncType = "delete"
)

var knownFuncTypes = map[FuncType]bool{
	FuncSimple: true, FuncVerify: true, FuncInform: true, FuncUpdate: true,
	FuncAPI: true, FuncQuery: true, FuncInsert: true, FuncDelete: true,
}

// ============================================================
// Tree specification
// ============================================================

// NodeSpec is one node of a task's success tree as written in YAML.
// A bare string is an entity leaf; mappings select and/or/task forms.
type NodeSpec struct {
	Entity string
	Task   string
	And    []*NodeSpec
	Or     []*NodeSpec
	Tag    string
	// MinCount applies to or-groups written as "entity_group#N".
	MinCount int
}

// UnmarshalYAML accepts the compact leaf form and the mapping forms.
func (n *NodeSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		n.Entity = value.Value
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("tree node must be a string or mapping at line %d", value.Line)
	}
	var raw struct {
		Task string      `yaml:"task"`
		And  []*NodeSpec `yaml:"and"`
		Or   []*NodeSpec `yaml:"or"`
		Tag  string      `yaml:"tag"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.Task = raw.Task
	n.And = raw.And
	n.Or = raw.Or
	n.Tag = raw.Tag
	return nil
}

// ============================================================
// Tasks, entities, FAQs
// ============================================================

// EntitySpec configures one slot a task can collect.
type EntitySpec struct {
	Function FuncType `yaml:"function"`
	FuncName string   `yaml:"func_name"`
	Types    []string `yaml:"types"`
	Methods  []string `yaml:"methods"`
	Prompt   string   `yaml:"prompt"`
	Response string   `yaml:"response"`
	Retrieve *bool    `yaml:"retrieve"`
	Forget   bool     `yaml:"forget"`
	Confirm  *bool    `yaml:"confirm"`
	// ConfirmRetrieved asks before reusing a value remembered from an
	// earlier task. Defaults to true.
	ConfirmRetrieved *bool  `yaml:"confirm_retrieved"`
	Tag              string `yaml:"tag"`
}

// EntityMap preserves the declaration order of a task's entities, which
// drives the default prompting order when no success tree is given.
type EntityMap struct {
	Names []string
	Specs map[string]*EntitySpec
}

// UnmarshalYAML decodes the entities mapping keeping key order.
func (m *EntityMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("entities must be a mapping at line %d", value.Line)
	}
	m.Specs = map[string]*EntitySpec{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		spec := &EntitySpec{}
		if err := value.Content[i+1].Decode(spec); err != nil {
			return err
		}
		m.Names = append(m.Names, name)
		m.Specs[name] = spec
	}
	return nil
}

// Get looks an entity up by name.
func (m *EntityMap) Get(name string) (*EntitySpec, bool) {
	if m == nil || m.Specs == nil {
		return nil, false
	}
	s, ok := m.Specs[name]
	return s, ok
}

// Len returns the number of declared entities.
func (m *EntityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Names)
}

// TaskSpec configures one task the bot can run.
type TaskSpec struct {
	Description    string              `yaml:"description"`
	Samples        []string            `yaml:"samples"`
	Entities       EntityMap           `yaml:"entities"`
	EntityGroups   map[string][]string `yaml:"entity_groups"`
	Success        *NodeSpec              `yaml:"success"`
	MaxTurns       int                    `yaml:"max_turns"`
	Repeat         bool                   `yaml:"repeat"`
	RepeatResponse string                 `yaml:"repeat_response"`
	FinishFunc     string                 `yaml:"finish_function"`
	FinishResponse string                 `yaml:"finish_response"`
	Response       string                 `yaml:"response"`
}

// FAQSpec configures one canned question/answer set.
type FAQSpec struct {
	Samples []string `yaml:"samples"`
	Answers []string `yaml:"answers"`
	Match   []string `yaml:"match"`
}

// FuzzyMatching enables near-miss matching for an FAQ's samples.
const FuzzyMatching = "fuzzy_matching"

// Fuzzy reports whether the FAQ opts into fuzzy sample matching.
func (f *FAQSpec) Fuzzy() bool {
	for _, m := range f.Match {
		if m == FuzzyMatching {
			return true
		}
	}
	return false
}

// BotSpec holds bot-wide options.
type BotSpec struct {
	Name          string `yaml:"name"`
	TextBot       bool   `yaml:"text_bot"`
	MaxNoInfoTurn int    `yaml:"max_no_info_turn"`
}

// Bot is the parsed and validated bot configuration.
type Bot struct {
	Bot       BotSpec              `yaml:"bot"`
	Tasks     map[string]*TaskSpec `yaml:"tasks"`
	FAQs      map[string]*FAQSpec  `yaml:"faqs"`
	Responses map[string][]string  `yaml:"responses"`
}

// DefaultMaxNoInfoTurn bounds consecutive uninformative turns before hand-off.
const DefaultMaxNoInfoTurn = 4

// Load reads and validates a bot configuration file.
func Load(path string) (*Bot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.WrapConfig(err)
	}
	return Parse(raw)
}

// Parse decodes a bot configuration from YAML bytes.
func Parse(raw []byte) (*Bot, error) {
	var bot Bot
	if err := yaml.Unmarshal(raw, &bot); err != nil {
		return nil, errx.WrapConfig(err)
	}
	if err := bot.validate(); err != nil {
		return nil, errx.WrapConfig(err)
	}
	bot.applyDefaults()
	return &bot, nil
}

func (b *Bot) applyDefaults() {
	if b.Bot.MaxNoInfoTurn <= 0 {
		b.Bot.MaxNoInfoTurn = DefaultMaxNoInfoTurn
	}
	for _, t := range b.Tasks {
		for _, e := range t.Entities.Specs {
			if e.Function == "" {
				e.Function = FuncSimple
			}
			if e.Retrieve == nil {
				v := true
				e.Retrieve = &v
			}
			if e.Confirm == nil {
				v := false
				e.Confirm = &v
			}
			if e.ConfirmRetrieved == nil {
				v := true
				e.ConfirmRetrieved = &v
			}
		}
	}
}

func (b *Bot) validate() error {
	if len(b.Tasks) == 0 && len(b.FAQs) == 0 {
		return fmt.Errorf("bot defines no tasks and no faqs")
	}
	for name, t := range b.Tasks {
		if t == nil {
			return fmt.Errorf("task %q is empty", name)
		}
		for ename, e := range t.Entities.Specs {
			if e == nil {
				return fmt.Errorf("task %q entity %q is empty", name, ename)
			}
			if e.Function != "" && !knownFuncTypes[e.Function] {
				return fmt.Errorf("task %q entity %q has unknown function type %q", name, ename, e.Function)
			}
		}
		if t.Success != nil {
			if err := b.validateNode(name, t, t.Success); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bot) validateNode(task string, t *TaskSpec, n *NodeSpec) error {
	switch {
	case n.Entity != "":
		ename, _ := SplitGroupRef(n.Entity)
		if _, ok := t.Entities.Get(ename); !ok {
			if _, ok := t.EntityGroups[ename]; !ok {
				return fmt.Errorf("task %q references unknown entity %q", task, n.Entity)
			}
		}
	case n.Task != "":
		if _, ok := b.Tasks[n.Task]; !ok {
			return fmt.Errorf("task %q references unknown sub-task %q", task, n.Task)
		}
	case len(n.And) > 0:
		for _, c := range n.And {
			if err := b.validateNode(task, t, c); err != nil {
				return err
			}
		}
	case len(n.Or) > 0:
		for _, c := range n.Or {
			if err := b.validateNode(task, t, c); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("task %q has an empty tree node", task)
	}
	return nil
}

// SplitGroupRef splits the "name#N" minimum-count syntax used for
// entity groups. A ref without a count returns n == 0.
func SplitGroupRef(ref string) (string, int) {
	idx := strings.LastIndex(ref, "#")
	if idx < 0 {
		return ref, 0
	}
	n, err := strconv.Atoi(ref[idx+1:])
	if err != nil || n <= 0 {
		return ref, 0
	}
	return ref[:idx], n
}

// TaskSamples flattens every task's sample utterances, keyed by task name.
func (b *Bot) TaskSamples() map[string][]string {
	out := make(map[string][]string, len(b.Tasks))
	for name, t := range b.Tasks {
		out[name] = t.Samples
	}
	return out
}
