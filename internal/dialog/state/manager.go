package state

import (
	"context"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/funcs"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/tree"
	logx "github.com/tasktalk/server/pkg/logger"
)

// TurnView is the synchronized slice of session state the policy works
// against for one turn.
type TurnView struct {
	CurTask          string
	CurEntity        string
	CurEntityTypes   []string
	CurEntitySpec    *config.EntitySpec
	TaskStack        []string
	PrevTasks        []string
	Confirm          bool
	ConfirmRetrieved bool
	AgentActionType  string
	ExceededMaxTurn  bool
	// FinishFuncResponse is a queued wrap-up message from a task that
	// completed on a previous turn.
	FinishFuncResponse string
}

// EntityUpdate carries a resolved value for the current entity into the
// state manager.
type EntityUpdate struct {
	Name   string
	Value  string
	Method string
	// Retrieved marks values pulled from history instead of this turn.
	Retrieved bool
}

// Info is what the dialogue policy hands back after deciding a turn:
// either a new task to start, or a value for the current entity.
type Info struct {
	NewTask string
	Entity  *EntityUpdate
}

// LeafOutcome reports what happened when a leaf node consumed its value.
type LeafOutcome struct {
	Success bool
	Msg     string
	// Respell asks the user to spell the value again instead of
	// advancing past the node.
	Respell bool
}

// Manager owns task arbitration: stack and tree bookkeeping, turn budgets
// and business function dispatch. It holds no per-conversation state; all
// of that lives on the Session it is handed.
type Manager struct {
	bot      *config.Bot
	trees    *tree.Manager
	registry *funcs.Registry

	// per-conversation function overrides, conversation id -> name -> fn
	overrides map[string]map[string]funcs.Func
}

// NewManager wires the state manager over compiled trees and the business
// function registry.
func NewManager(bot *config.Bot, trees *tree.Manager, registry *funcs.Registry) *Manager {
	return &Manager{
		bot:       bot,
		trees:     trees,
		registry:  registry,
		overrides: map[string]map[string]funcs.Func{},
	}
}

// Trees exposes the tree manager for callers that inspect progress.
func (m *Manager) Trees() *tree.Manager { return m.trees }

// RegisterSessionFunc shadows a business function for one conversation.
func (m *Manager) RegisterSessionFunc(conversationID, name string, fn funcs.Func) {
	bucket, ok := m.overrides[conversationID]
	if !ok {
		bucket = map[string]funcs.Func{}
		m.overrides[conversationID] = bucket
	}
	bucket[name] = fn
}

// DropSessionFuncs releases a conversation's overrides.
func (m *Manager) DropSessionFuncs(conversationID string) {
	delete(m.overrides, conversationID)
}

// ============================================================
// Turn synchronization
// ============================================================

// UpdateAndGetStates settles finished tasks, resolves the current task and
// entity from the stack and trees, and returns the view the policy reads.
// Called once at the start of every turn.
func (m *Manager) UpdateAndGetStates(ctx context.Context, sess *model.Session) *TurnView {
	view := &TurnView{ExceededMaxTurn: sess.ExceedMaxTurn}

	// settle tasks that finished on the previous turn
	m.settleFinished(ctx, sess)
	sess.ExceedMaxTurn = false

	view.FinishFuncResponse = sess.TaskFinishFuncResponse
	sess.TaskFinishFuncResponse = ""

	cur, node := m.resolveCurrent(sess)
	sess.CurTask = cur
	view.CurTask = cur
	view.TaskStack = append([]string(nil), sess.TaskStack...)
	view.PrevTasks = append([]string(nil), sess.PrevTasks...)

	if node != nil && node.Leaf() {
		view.CurEntity = node.Entity
		view.AgentActionType = node.Tag
		if spec, ok := m.bot.Tasks[cur]; ok {
			if es, ok := spec.Entities.Get(node.Entity); ok {
				view.CurEntitySpec = es
				view.CurEntityTypes = es.Types
				view.Confirm = es.Confirm != nil && *es.Confirm
				view.ConfirmRetrieved = es.ConfirmRetrieved == nil || *es.ConfirmRetrieved
			}
		}
	}

	// a change of focused entity abandons any in-flight respelling
	if sess.Spell != nil && sess.Spell.Entity != view.CurEntity {
		sess.Spell = nil
	}

	sess.CurEntity = view.CurEntity
	sess.CurEntityTypes = view.CurEntityTypes
	sess.AgentActionType = view.AgentActionType
	return view
}

// settleFinished pops every finished task off the stack, records its
// outcome and runs its wrap-up function.
func (m *Manager) settleFinished(ctx context.Context, sess *model.Session) {
	for len(sess.TaskStack) > 0 {
		top := sess.TaskStack[0]
		if !m.trees.Finished(sess, top) {
			return
		}
		sess.PopTask()
		success := m.trees.Succeeded(sess, top)
		sess.RecordPrevTask(top, success)
		m.runFinishFunc(ctx, sess, top)
	}
}

// runFinishFunc executes a task's wrap-up function. It only runs when the
// task succeeded; a failing wrap-up downgrades the recorded outcome.
func (m *Manager) runFinishFunc(ctx context.Context, sess *model.Session, task string) {
	spec, ok := m.bot.Tasks[task]
	if !ok || spec.FinishFunc == "" {
		return
	}
	if len(sess.PrevTasksSuccess) == 0 || !sess.PrevTasksSuccess[0] {
		return
	}
	res := m.registry.Invoke(ctx, spec.FinishFunc, funcs.Call{
		Entities: copyMap(sess.Collected(task)),
		CurTask:  task,
	}, m.overrides[sess.ID])
	if !res.Success {
		sess.PrevTasksSuccess[0] = false
		sess.TaskSucceeded[task] = false
		logx.Warn().Str("task", task).Str("func", spec.FinishFunc).Msg("task wrap-up function failed")
		return
	}
	if res.Msg != "" {
		sess.TaskFinishFuncResponse = res.Msg
	}
}

// resolveCurrent finds the focused task and its pending node, pushing
// referenced sub-tasks onto the stack as they are encountered.
func (m *Manager) resolveCurrent(sess *model.Session) (string, *tree.Node) {
	for {
		if len(sess.TaskStack) == 0 {
			return "", nil
		}
		cur := sess.TaskStack[0]
		node := m.trees.Current(sess, cur)
		if node == nil {
			// tree resolved since last look; settle and continue
			if !m.trees.Finished(sess, cur) {
				m.trees.ForceFinish(sess, cur, true)
			}
			sess.PopTask()
			success := m.trees.Succeeded(sess, cur)
			sess.RecordPrevTask(cur, success)
			continue
		}
		if node.Kind == tree.KindTask {
			sess.PushTask(node.Task)
			continue
		}
		return cur, node
	}
}

// ============================================================
// Policy feedback
// ============================================================

// ReceiveInfo applies the policy's decision for this turn: start a new
// task or consume a value for the current entity. Turn budgets are
// enforced here; a task over its limit is force-finished as failed.
func (m *Manager) ReceiveInfo(ctx context.Context, sess *model.Session, info Info) LeafOutcome {
	var out LeafOutcome

	if info.NewTask != "" {
		m.startTask(sess, info.NewTask)
	} else if sess.CurTask != "" {
		// every turn spent on the task counts against its budget,
		// informative or not
		sess.TaskTurns[sess.CurTask]++
		if info.Entity != nil {
			out = m.leafHandler(ctx, sess, *info.Entity)
		}
	}

	if cur := sess.CurTask; cur != "" {
		if spec, ok := m.bot.Tasks[cur]; ok && spec.MaxTurns > 0 {
			if sess.TaskTurns[cur] > spec.MaxTurns && !m.trees.Finished(sess, cur) {
				logx.Info().Str("task", cur).Int("turns", sess.TaskTurns[cur]).Msg("task exceeded its turn budget")
				m.trees.ForceFinish(sess, cur, false)
				sess.ExceedMaxTurn = true
			}
		}
	}
	return out
}

func (m *Manager) startTask(sess *model.Session, task string) {
	spec, ok := m.bot.Tasks[task]
	if !ok {
		logx.Warn().Str("task", task).Msg("unknown task requested")
		return
	}
	if m.trees.Finished(sess, task) && spec.Repeat {
		m.trees.Reset(sess, task)
		sess.TaskTurns[task] = 0
	}
	if sess.PushTask(task) {
		sess.TaskTurns[task] = 0
	}
}

// leafHandler consumes a value at the current leaf node, dispatching the
// configured business function and advancing the tree.
func (m *Manager) leafHandler(ctx context.Context, sess *model.Session, upd EntityUpdate) LeafOutcome {
	cur := sess.CurTask
	node := m.trees.Current(sess, cur)
	if node == nil || !node.Leaf() {
		return LeafOutcome{}
	}
	spec, ok := m.bot.Tasks[cur]
	if !ok {
		return LeafOutcome{}
	}
	es, ok := spec.Entities.Get(node.Entity)
	if !ok {
		return LeafOutcome{}
	}

	sess.Collected(cur)[node.Entity] = upd.Value

	// a value known to be wrong fails the node without a call
	if upd.Value == model.WrongInfoSentinel {
		m.trees.MarkLeaf(sess, cur, node.ID, false)
		return LeafOutcome{Success: false}
	}

	call := funcs.Call{
		Entities:  copyMap(sess.Collected(cur)),
		CurTask:   cur,
		CurEntity: node.Entity,
		Value:     upd.Value,
	}

	switch es.Function {
	case config.FuncSimple:
		m.trees.MarkLeaf(sess, cur, node.ID, true)
		return LeafOutcome{Success: true, Msg: upd.Value}

	case config.FuncVerify:
		res := m.registry.Invoke(ctx, es.FuncName, call, m.overrides[sess.ID])
		if res.Success {
			sess.LastVerified[node.Entity] = upd.Value
			sess.Spell = nil
			m.trees.MarkLeaf(sess, cur, node.ID, true)
			return LeafOutcome{Success: true, Msg: res.Msg}
		}
		sess.LastWrong[node.Entity] = upd.Value
		// one respelling attempt for voice channels on spellable slots
		if hasMethod(es, model.MethodSpelling) && !m.bot.Bot.TextBot && (sess.Spell == nil || sess.Spell.Attempts == 0) {
			sess.Spell = &model.SpellState{Entity: node.Entity, Attempts: 1}
			return LeafOutcome{Success: false, Msg: res.Msg, Respell: true}
		}
		sess.Spell = nil
		m.trees.MarkLeaf(sess, cur, node.ID, false)
		return LeafOutcome{Success: false, Msg: res.Msg}

	default:
		// inform/update/api/query/insert/delete all surface the
		// function's message as the turn response
		res := m.registry.Invoke(ctx, es.FuncName, call, m.overrides[sess.ID])
		m.trees.MarkLeaf(sess, cur, node.ID, res.Success)
		return LeafOutcome{Success: res.Success, Msg: res.Msg}
	}
}

func hasMethod(es *config.EntitySpec, method string) bool {
	for _, m := range es.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
