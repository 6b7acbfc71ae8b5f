package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/funcs"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/tree"
)

const stateBot = `
bot:
  name: testbot
  text_bot: false
tasks:
  check_order:
    samples: ["check my order"]
    max_turns: 3
    entities:
      email:
        function: verify
        func_name: verify_email
        types: [EMAIL]
        methods: [ner, spelling]
      order_id:
        function: query
        func_name: lookup_order
        types: [CARDINAL]
    finish_function: notify_done
  greetings:
    samples: ["hi"]
    entities:
      name: {function: simple}
`

type env struct {
	bot   *config.Bot
	mgr   *Manager
	calls map[string]int
}

func newEnv(t *testing.T, results map[string]model.FuncResult) *env {
	t.Helper()
	bot, err := config.Parse([]byte(stateBot))
	require.NoError(t, err)

	var names []string
	for name := range bot.Tasks {
		names = append(names, name)
	}
	trees, err := tree.NewManager(func(task string) (*tree.Node, error) {
		return tree.Compile(bot, task)
	}, names)
	require.NoError(t, err)

	e := &env{bot: bot, calls: map[string]int{}}
	defaults := map[string]funcs.Func{}
	for name, res := range results {
		name, res := name, res
		defaults[name] = func(ctx context.Context, call funcs.Call) model.FuncResult {
			e.calls[name]++
			return res
		}
	}
	e.mgr = NewManager(bot, trees, funcs.NewRegistry(defaults, time.Second))
	return e
}

func TestUpdateAndGetStatesResolvesCurrentEntity(t *testing.T) {
	e := newEnv(t, nil)
	sess := model.NewSession("c1")
	sess.PushTask("check_order")

	view := e.mgr.UpdateAndGetStates(t.Context(), sess)
	assert.Equal(t, "check_order", view.CurTask)
	assert.Equal(t, "email", view.CurEntity)
	assert.Equal(t, []string{"EMAIL"}, view.CurEntityTypes)
	// defaults: confirm off, confirm retrieved on
	assert.False(t, view.Confirm)
	assert.True(t, view.ConfirmRetrieved)
}

func TestSimpleLeafAdvancesAndFinishes(t *testing.T) {
	e := newEnv(t, nil)
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "greetings"})
	e.mgr.UpdateAndGetStates(t.Context(), sess)

	out := e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "name", Value: "Ada"}})
	assert.True(t, out.Success)
	assert.Equal(t, "Ada", out.Msg)
	assert.True(t, e.mgr.Trees().Finished(sess, "greetings"))
	assert.Equal(t, "Ada", sess.CollectedEntities["greetings"]["name"])
}

func TestVerifyFailureAsksForRespellingOnce(t *testing.T) {
	e := newEnv(t, map[string]model.FuncResult{
		"verify_email": {Success: false, Msg: "no such account"},
	})
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})
	e.mgr.UpdateAndGetStates(t.Context(), sess)

	out := e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: "a@b.com"}})
	assert.False(t, out.Success)
	assert.True(t, out.Respell)
	require.NotNil(t, sess.Spell)
	assert.Equal(t, "email", sess.Spell.Entity)
	// node not resolved yet
	assert.False(t, e.mgr.Trees().Finished(sess, "check_order"))

	// second failure gives up and fails the node
	out = e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: "a@b.com"}})
	assert.False(t, out.Success)
	assert.False(t, out.Respell)
	assert.Equal(t, "a@b.com", sess.LastWrong["email"])
}

func TestWrongInfoSentinelSkipsFunctionCall(t *testing.T) {
	e := newEnv(t, map[string]model.FuncResult{
		"verify_email": {Success: true},
	})
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})
	e.mgr.UpdateAndGetStates(t.Context(), sess)

	out := e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: model.WrongInfoSentinel}})
	assert.False(t, out.Success)
	assert.Equal(t, 0, e.calls["verify_email"])
}

func TestExceedingTurnBudgetFailsTask(t *testing.T) {
	e := newEnv(t, nil)
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})

	// four uninformative turns against a budget of three
	for i := 0; i < 4; i++ {
		e.mgr.UpdateAndGetStates(t.Context(), sess)
		e.mgr.ReceiveInfo(t.Context(), sess, Info{})
	}
	assert.True(t, sess.ExceedMaxTurn)
	assert.True(t, e.mgr.Trees().Finished(sess, "check_order"))
	assert.False(t, e.mgr.Trees().Succeeded(sess, "check_order"))
}

func TestFinishFunctionRunsOnSuccess(t *testing.T) {
	e := newEnv(t, map[string]model.FuncResult{
		"verify_email": {Success: true},
		"lookup_order": {Success: true, Msg: "order 1 shipped"},
		"notify_done":  {Success: true, Msg: "receipt sent"},
	})
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})

	e.mgr.UpdateAndGetStates(t.Context(), sess)
	e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: "a@b.com"}})
	e.mgr.UpdateAndGetStates(t.Context(), sess)
	out := e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "order_id", Value: "1"}})
	assert.True(t, out.Success)

	view := e.mgr.UpdateAndGetStates(t.Context(), sess)
	assert.Equal(t, "", view.CurTask)
	assert.Equal(t, []string{"check_order"}, view.PrevTasks)
	assert.Equal(t, 1, e.calls["notify_done"])
	assert.Equal(t, "receipt sent", view.FinishFuncResponse)
}

func TestFailedFinishFunctionDowngradesOutcome(t *testing.T) {
	e := newEnv(t, map[string]model.FuncResult{
		"verify_email": {Success: true},
		"lookup_order": {Success: true},
		"notify_done":  {Success: false, Msg: "smtp down"},
	})
	sess := model.NewSession("c1")
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})

	e.mgr.UpdateAndGetStates(t.Context(), sess)
	e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: "a@b.com"}})
	e.mgr.UpdateAndGetStates(t.Context(), sess)
	e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "order_id", Value: "1"}})

	e.mgr.UpdateAndGetStates(t.Context(), sess)
	require.Len(t, sess.PrevTasksSuccess, 1)
	assert.False(t, sess.PrevTasksSuccess[0])
}

func TestSessionFuncOverrideWins(t *testing.T) {
	e := newEnv(t, map[string]model.FuncResult{
		"verify_email": {Success: false, Msg: "default"},
	})
	sess := model.NewSession("c1")
	e.mgr.RegisterSessionFunc("c1", "verify_email", func(ctx context.Context, call funcs.Call) model.FuncResult {
		return model.FuncResult{Success: true, Msg: "override"}
	})
	e.mgr.ReceiveInfo(t.Context(), sess, Info{NewTask: "check_order"})
	e.mgr.UpdateAndGetStates(t.Context(), sess)

	out := e.mgr.ReceiveInfo(t.Context(), sess, Info{Entity: &EntityUpdate{Name: "email", Value: "a@b.com"}})
	assert.True(t, out.Success)
	assert.Equal(t, "override", out.Msg)
}
