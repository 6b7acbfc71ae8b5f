package model

import "time"

// ============================================================
// Entities
// ============================================================

// Entity is a single extracted value for a named slot.
type Entity struct {
	Name   string  `json:"name"`
	Value  string  `json:"value"`
	Score  float64 `json:"score"`
	Turn   int     `json:"turn"`
	Method string  `json:"method,omitempty"`
}

// Extraction methods reported alongside entity candidates.
const (
	MethodNER      = "ner"
	MethodSpelling = "spelling"
	MethodFuzzy    = "fuzzy"
	MethodExact    = "exact"
	MethodRegex    = "regex"
)

// ============================================================
// NLU output
// ============================================================

// Polarity of a turn: affirmative, negative or neither.
type Polarity int

const (
	PolarityNone     Polarity = 0
	PolarityPositive Polarity = 1
	PolarityNegative Polarity = -1
)

// Intent names with built-in orchestration behaviour.
const (
	IntentPositive = "positive"
	IntentNegative = "negative"
)

// Intent is a recognised user goal with its confidence.
type Intent struct {
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
	Uncertain bool    `json:"uncertain"`
}

// NLUResult is the understanding layer's output for one utterance.
type NLUResult struct {
	Intents  []Intent `json:"intents"`
	Entities []Entity `json:"entities"`
	Polarity Polarity `json:"polarity"`
}

// ============================================================
// Business function results
// ============================================================

// FuncResult is what a business function returns to the dialogue engine.
type FuncResult struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// WrongInfoSentinel short-circuits a leaf: the value is known bad and the
// function must not be called.
const WrongInfoSentinel = "WRONG INFO!"

// User-facing fallbacks for business function faults.
const (
	MsgServiceTimeout = "Service time out"
	MsgServiceFault   = "We couldn't handle your request"
	MsgRemoteError    = "ERROR!"
)

// ============================================================
// Per-turn scratch state
// ============================================================

// TurnState holds signals that live only within the current turn.
type TurnState struct {
	Utterance      string   `json:"utterance"`
	Intents        []Intent `json:"intents"`
	Entities       []Entity `json:"entities"`
	Polarity       Polarity `json:"polarity"`
	GotIntent      bool     `json:"got_intent"`
	GotInfo        bool     `json:"got_info"`
	GotNER         bool     `json:"got_ner"`
	GotEntityInfo  bool     `json:"got_entity_info"`
	FAQAnswer      string   `json:"faq_answer"`
	FAQName        string   `json:"faq_name"`
	MultipleEnt    bool     `json:"multiple_entities"`
	PrevResponse   string   `json:"prev_response"`
	PolicyResponse string   `json:"policy_response"`
}

// ============================================================
// Session
// ============================================================

// SpellState tracks an in-flight letter-by-letter respelling request.
type SpellState struct {
	Entity   string `json:"entity"`
	Attempts int    `json:"attempts"`
}

// Session is the full persisted dialogue state for one conversation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NumTurns int `json:"num_turns"`

	// Task arbitration.
	CurTask          string   `json:"cur_task"`
	CurEntity        string   `json:"cur_entity"`
	CurEntityTypes   []string `json:"cur_entity_types"`
	TaskStack        []string `json:"task_stack"`
	PrevTasks        []string `json:"prev_tasks"`
	PrevTasksSuccess []bool   `json:"prev_tasks_success"`
	TaskTurns        map[string]int `json:"task_turns"`

	// Confirmation workflow.
	UnconfirmedIntents []string `json:"unconfirmed_intents"`
	UnconfirmedEntity  []Entity `json:"unconfirmed_entity"`
	ConfirmEntity      bool     `json:"confirm_entity"`
	ConfirmIntent      bool     `json:"confirm_intent"`
	ConfirmContinue    bool     `json:"confirm_continue"`
	ConfirmFinish      bool     `json:"confirm_finish"`

	// Collected values, keyed by task then entity name.
	CollectedEntities map[string]map[string]string `json:"collected_entities"`

	// Entity memory across turns.
	EntityHistory      []Entity          `json:"entity_history"`
	NamedEntityLatest  map[string]Entity `json:"named_entity_latest"`
	LastVerified       map[string]string `json:"last_verified"`
	LastWrong          map[string]string `json:"last_wrong"`
	Spell              *SpellState       `json:"spell,omitempty"`

	// Escalation and termination.
	ContinuousNoInfo int  `json:"continuous_no_info"`
	PrevTurnNoInfo   bool `json:"prev_turn_no_info"`
	PrevTurnGotIntent bool `json:"prev_turn_got_intent"`
	FinishAndFail    bool `json:"finish_and_fail"`
	ForwardToHuman   bool `json:"forward_to_human"`
	ExceedMaxTurn    bool `json:"exceed_max_turn"`
	Paused           bool `json:"paused"`

	LastResponse string `json:"last_response"`

	// Transcript keeps recent "user:"/"bot:" lines for model context.
	Transcript []string `json:"transcript,omitempty"`

	// Queued output from a finished task's wrap-up function.
	TaskFinishFuncResponse string `json:"task_finish_func_response,omitempty"`

	AgentActionType string `json:"agent_action_type"`

	// Tree progress, keyed by task name. Values are node paths within the
	// task's success tree, resolved on load.
	TreeCursors   map[string]string   `json:"tree_cursors"`
	DoneNodes     map[string][]string `json:"done_nodes"`
	FailedNodes   map[string][]string `json:"failed_nodes"`
	FinishedTasks map[string]bool     `json:"finished_tasks"`
	TaskSucceeded map[string]bool     `json:"task_succeeded"`
}

// NewSession returns an empty session ready for its first turn.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:                id,
		CreatedAt:         now,
		UpdatedAt:         now,
		TaskTurns:         map[string]int{},
		CollectedEntities: map[string]map[string]string{},
		NamedEntityLatest: map[string]Entity{},
		LastVerified:      map[string]string{},
		LastWrong:         map[string]string{},
		TreeCursors:       map[string]string{},
		DoneNodes:         map[string][]string{},
		FailedNodes:       map[string][]string{},
		FinishedTasks:     map[string]bool{},
		TaskSucceeded:     map[string]bool{},
	}
}

// Collected returns the value bucket for a task, creating it on first use.
func (s *Session) Collected(task string) map[string]string {
	if s.CollectedEntities == nil {
		s.CollectedEntities = map[string]map[string]string{}
	}
	bucket, ok := s.CollectedEntities[task]
	if !ok {
		bucket = map[string]string{}
		s.CollectedEntities[task] = bucket
	}
	return bucket
}

// PushTask puts a task on top of the stack if it is not already present.
func (s *Session) PushTask(task string) bool {
	for _, t := range s.TaskStack {
		if t == task {
			return false
		}
	}
	s.TaskStack = append([]string{task}, s.TaskStack...)
	return true
}

// PopTask removes and returns the top of the task stack.
func (s *Session) PopTask() (string, bool) {
	if len(s.TaskStack) == 0 {
		return "", false
	}
	top := s.TaskStack[0]
	s.TaskStack = s.TaskStack[1:]
	return top, true
}

// OnStack reports whether the task is anywhere on the stack.
func (s *Session) OnStack(task string) bool {
	for _, t := range s.TaskStack {
		if t == task {
			return true
		}
	}
	return false
}

// RecordPrevTask prepends a finished task and its outcome.
func (s *Session) RecordPrevTask(task string, success bool) {
	s.PrevTasks = append([]string{task}, s.PrevTasks...)
	s.PrevTasksSuccess = append([]bool{success}, s.PrevTasksSuccess...)
}

// ResetPrevTasks clears the finished-task records.
func (s *Session) ResetPrevTasks() {
	s.PrevTasks = nil
	s.PrevTasksSuccess = nil
}
