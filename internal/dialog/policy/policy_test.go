package policy

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/entity"
	"github.com/tasktalk/server/internal/dialog/funcs"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/response"
	"github.com/tasktalk/server/internal/dialog/state"
	"github.com/tasktalk/server/internal/dialog/tree"
)

const policyBot = `
bot:
  name: testbot
  text_bot: true
tasks:
  check_order:
    samples: ["check my order"]
    entities:
      email:
        function: verify
        func_name: verify_email
        types: [EMAIL]
        prompt: "What's the email on the account?"
      order_id:
        function: query
        func_name: lookup_order
        types: [CARDINAL]
  greetings:
    samples: ["hi"]
    entities:
      name: {function: simple}
`

type fixture struct {
	bot    *config.Bot
	states *state.Manager
	pol    *Policy
}

func newFixture(t *testing.T, results map[string]model.FuncResult) *fixture {
	t.Helper()
	bot, err := config.Parse([]byte(policyBot))
	require.NoError(t, err)

	var names []string
	for name := range bot.Tasks {
		names = append(names, name)
	}
	trees, err := tree.NewManager(func(task string) (*tree.Node, error) {
		return tree.Compile(bot, task)
	}, names)
	require.NoError(t, err)

	defaults := map[string]funcs.Func{}
	for name, res := range results {
		res := res
		defaults[name] = func(ctx context.Context, call funcs.Call) model.FuncResult { return res }
	}
	states := state.NewManager(bot, trees, funcs.NewRegistry(defaults, time.Second))
	composer := response.NewComposer(bot, rand.New(rand.NewSource(7)))
	return &fixture{bot: bot, states: states, pol: New(bot, states, composer)}
}

func TestNewTaskAcknowledgesAndPrompts(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	turn := &model.TurnState{
		Utterance: "check my order please",
		GotIntent: true,
		Intents:   []model.Intent{{Label: "check_order", Score: 0.9}},
	}

	view := f.states.UpdateAndGetStates(t.Context(), sess)
	got := f.pol.Respond(t.Context(), sess, turn, view, hist)

	assert.Contains(t, got, "What's the email on the account?")
	assert.Equal(t, "check_order", sess.CurTask)
}

func TestRetrievedValueAsksForConfirmation(t *testing.T) {
	f := newFixture(t, map[string]model.FuncResult{"verify_email": {Success: true}})
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	hist.Add(model.Entity{Name: "EMAIL", Value: "a@b.com", Score: 0.9}, 1)
	sess.NumTurns = 3

	f.states.ReceiveInfo(t.Context(), sess, state.Info{NewTask: "check_order"})
	view := f.states.UpdateAndGetStates(t.Context(), sess)

	turn := &model.TurnState{Utterance: "check it"}
	got := f.pol.Respond(t.Context(), sess, turn, view, hist)

	assert.Contains(t, got, "a@b.com")
	assert.True(t, sess.ConfirmEntity)
	require.Len(t, sess.UnconfirmedEntity, 1)

	// "yes" applies the value and moves to the next slot
	view = f.states.UpdateAndGetStates(t.Context(), sess)
	turn = &model.TurnState{Utterance: "yes", Polarity: model.PolarityPositive}
	got = f.pol.Respond(t.Context(), sess, turn, view, hist)

	assert.Empty(t, sess.UnconfirmedEntity)
	assert.Equal(t, "a@b.com", sess.CollectedEntities["check_order"]["email"])
	assert.Contains(t, got, "order")
}

func TestRejectedConfirmationForgetsValue(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	hist.Add(model.Entity{Name: "EMAIL", Value: "a@b.com", Score: 0.9}, 1)
	sess.NumTurns = 2

	f.states.ReceiveInfo(t.Context(), sess, state.Info{NewTask: "check_order"})
	view := f.states.UpdateAndGetStates(t.Context(), sess)
	f.pol.Respond(t.Context(), sess, &model.TurnState{}, view, hist)
	require.True(t, sess.ConfirmEntity)

	view = f.states.UpdateAndGetStates(t.Context(), sess)
	got := f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "no", Polarity: model.PolarityNegative}, view, hist)

	assert.Empty(t, sess.UnconfirmedEntity)
	assert.Empty(t, hist.Retrieve("EMAIL"))
	assert.Contains(t, got, "email")
}

func TestMultipleCandidatesOfferChoice(t *testing.T) {
	f := newFixture(t, map[string]model.FuncResult{"verify_email": {Success: true}})
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	hist.Add(model.Entity{Name: "EMAIL", Value: "a@b.com", Score: 0.9}, 1)
	hist.Add(model.Entity{Name: "EMAIL", Value: "c@d.com", Score: 0.8}, 2)
	sess.NumTurns = 3

	f.states.ReceiveInfo(t.Context(), sess, state.Info{NewTask: "check_order"})
	view := f.states.UpdateAndGetStates(t.Context(), sess)
	turn := &model.TurnState{Utterance: "look it up"}
	got := f.pol.Respond(t.Context(), sess, turn, view, hist)

	assert.Contains(t, got, "a@b.com")
	assert.Contains(t, got, "c@d.com")
	require.Len(t, sess.UnconfirmedEntity, 2)
	assert.False(t, sess.ConfirmEntity)

	// ordinal choice picks the second candidate
	view = f.states.UpdateAndGetStates(t.Context(), sess)
	f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "the second one"}, view, hist)
	assert.Equal(t, "c@d.com", sess.CollectedEntities["check_order"]["email"])
}

func TestNegatedChoiceNarrowsList(t *testing.T) {
	f := newFixture(t, map[string]model.FuncResult{"verify_email": {Success: true}})
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	hist.Add(model.Entity{Name: "EMAIL", Value: "a@b.com", Score: 0.9}, 1)
	hist.Add(model.Entity{Name: "EMAIL", Value: "c@d.com", Score: 0.8}, 2)
	sess.NumTurns = 3

	f.states.ReceiveInfo(t.Context(), sess, state.Info{NewTask: "check_order"})
	view := f.states.UpdateAndGetStates(t.Context(), sess)
	f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "hm"}, view, hist)
	require.Len(t, sess.UnconfirmedEntity, 2)

	view = f.states.UpdateAndGetStates(t.Context(), sess)
	f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "not a@b.com"}, view, hist)
	assert.Equal(t, "c@d.com", sess.CollectedEntities["check_order"]["email"])
	for _, e := range hist.Retrieve("EMAIL") {
		assert.NotEqual(t, "a@b.com", e.Value)
	}
}

func TestUncertainIntentConfirmedByYes(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	sess.UnconfirmedIntents = []string{"check_order"}

	view := f.states.UpdateAndGetStates(t.Context(), sess)
	got := f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "yes", Polarity: model.PolarityPositive}, view, hist)

	assert.Empty(t, sess.UnconfirmedIntents)
	assert.Equal(t, "check_order", sess.CurTask)
	assert.Contains(t, got, "email")
}

func TestUncertainIntentRejectedByNo(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)
	sess.UnconfirmedIntents = []string{"check_order"}

	view := f.states.UpdateAndGetStates(t.Context(), sess)
	f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "no", Polarity: model.PolarityNegative}, view, hist)

	assert.Empty(t, sess.UnconfirmedIntents)
	assert.Equal(t, "", sess.CurTask)
}

func TestIntentForRunningTaskIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	hist := entity.NewHistory(nil, nil)

	f.states.ReceiveInfo(t.Context(), sess, state.Info{NewTask: "check_order"})
	view := f.states.UpdateAndGetStates(t.Context(), sess)

	turn := &model.TurnState{
		Utterance: "check my order",
		GotIntent: true,
		Intents:   []model.Intent{{Label: "check_order", Score: 0.9}},
	}
	f.pol.Respond(t.Context(), sess, turn, view, hist)

	// still a single instance of the task
	assert.Equal(t, []string{"check_order"}, sess.TaskStack)
}

func TestIdleTurnSuggestsTasks(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	sess.NumTurns = 5
	hist := entity.NewHistory(nil, nil)

	view := f.states.UpdateAndGetStates(t.Context(), sess)
	got := f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "ummm"}, view, hist)
	assert.Contains(t, got, "check order")
}

func TestPausedTurnGetsEmptyMarker(t *testing.T) {
	f := newFixture(t, nil)
	sess := model.NewSession("c1")
	sess.Paused = true
	hist := entity.NewHistory(nil, nil)

	view := f.states.UpdateAndGetStates(t.Context(), sess)
	got := f.pol.Respond(t.Context(), sess, &model.TurnState{Utterance: "hold on"}, view, hist)
	assert.Equal(t, "<empty></empty>", got)
}
