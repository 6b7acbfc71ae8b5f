package policy

import (
	"context"
	"strings"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/entity"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/response"
	"github.com/tasktalk/server/internal/dialog/state"
	"github.com/tasktalk/server/pkg/fuzzy"
	logx "github.com/tasktalk/server/pkg/logger"
)

// ChoiceMatchScore is the fuzzy threshold for picking one of several
// offered candidate values.
const ChoiceMatchScore = 90

// Policy decides what the bot does with an understood turn: start tasks,
// collect values, run confirmations and pick the prompt for the next
// missing piece of information.
type Policy struct {
	bot      *config.Bot
	states   *state.Manager
	composer *response.Composer
}

// New wires the policy over the state manager and response composer.
func New(bot *config.Bot, states *state.Manager, composer *response.Composer) *Policy {
	return &Policy{bot: bot, states: states, composer: composer}
}

// Respond runs the decision ladder for one turn and returns the policy's
// response fragment. Pending confirmations win over new information; new
// tasks win over entity values.
func (p *Policy) Respond(ctx context.Context, sess *model.Session, turn *model.TurnState, view *state.TurnView, hist *entity.History) string {
	if len(sess.UnconfirmedIntents) > 0 {
		return p.confirmIntentHandler(ctx, sess, turn, hist)
	}
	if len(sess.UnconfirmedEntity) > 0 {
		if sess.ConfirmEntity {
			return p.entityConfirmHandler(ctx, sess, turn, view, hist)
		}
		return p.chooseEntityHandler(ctx, sess, turn, view, hist)
	}

	if task, ok := p.newTaskFrom(sess, turn); ok {
		return p.gotNewTask(ctx, sess, turn, view, hist, task)
	}

	if view.CurEntity != "" {
		candidates, retrieved := p.candidatesFor(sess, turn, view, hist)
		switch {
		case len(candidates) == 1:
			need := view.Confirm || (view.ConfirmRetrieved && retrieved)
			if need {
				sess.UnconfirmedEntity = candidates
				sess.ConfirmEntity = true
				return p.composer.Render(response.KeyConfirmEntity, response.Args{
					Info:  displayName(view.CurEntity),
					Value: candidates[0].Value,
				})
			}
			return p.applyValue(ctx, sess, view, hist, candidates[0])
		case len(candidates) > 1:
			sess.UnconfirmedEntity = candidates
			sess.ConfirmEntity = false
			turn.MultipleEnt = true
			return p.composer.Render(response.KeyChooseEntity, response.Args{
				Info:  displayName(view.CurEntity),
				Value: joinValues(candidates),
			})
		}
	}

	return p.emptyResponse(sess, turn, view)
}

// ============================================================
// Confirmation handlers
// ============================================================

func (p *Policy) confirmIntentHandler(ctx context.Context, sess *model.Session, turn *model.TurnState, hist *entity.History) string {
	task := sess.UnconfirmedIntents[0]
	switch turn.Polarity {
	case model.PolarityPositive:
		sess.UnconfirmedIntents = nil
		turn.GotInfo = true
		view := p.states.UpdateAndGetStates(ctx, sess)
		return p.gotNewTask(ctx, sess, turn, view, hist, task)
	case model.PolarityNegative:
		sess.UnconfirmedIntents = sess.UnconfirmedIntents[1:]
		turn.GotInfo = true
		if len(sess.UnconfirmedIntents) > 0 {
			return p.composer.Render(response.KeyConfirmIntent, response.Args{
				Task: p.taskDisplay(sess.UnconfirmedIntents[0]),
			})
		}
		return p.composer.Render(response.KeyConfirmFinish, response.Args{})
	default:
		return p.composer.Render(response.KeyConfirmIntent, response.Args{Task: p.taskDisplay(task)})
	}
}

func (p *Policy) entityConfirmHandler(ctx context.Context, sess *model.Session, turn *model.TurnState, view *state.TurnView, hist *entity.History) string {
	cand := sess.UnconfirmedEntity[0]
	switch turn.Polarity {
	case model.PolarityPositive:
		sess.UnconfirmedEntity = nil
		sess.ConfirmEntity = false
		turn.GotInfo = true
		return p.applyValue(ctx, sess, view, hist, cand)
	case model.PolarityNegative:
		sess.UnconfirmedEntity = nil
		sess.ConfirmEntity = false
		turn.GotInfo = true
		hist.Remove(cand.Name, cand.Value)
		return p.askCurrent(view)
	default:
		return p.composer.Render(response.KeyConfirmEntity, response.Args{
			Info:  displayName(view.CurEntity),
			Value: cand.Value,
		})
	}
}

// ordinal words accepted when picking from an offered list
var ordinals = map[string]int{
	"first": 0, "second": 1, "third": 2, "fourth": 3, "fifth": 4,
	"1st": 0, "2nd": 1, "3rd": 2, "4th": 3, "5th": 4,
}

func (p *Policy) chooseEntityHandler(ctx context.Context, sess *model.Session, turn *model.TurnState, view *state.TurnView, hist *entity.History) string {
	candidates := sess.UnconfirmedEntity
	utt := strings.ToLower(strings.TrimSpace(turn.Utterance))

	negated := strings.Contains(utt, "not ") || strings.Contains(utt, "n't ") ||
		strings.HasSuffix(utt, "n't")

	pick := -1
	// exact value match first, then fuzzy
	for i, c := range candidates {
		if strings.Contains(utt, strings.ToLower(c.Value)) {
			pick = i
			break
		}
	}
	if pick < 0 {
		best, bestScore := -1, 0
		for i, c := range candidates {
			if s := fuzzy.Ratio(utt, strings.ToLower(c.Value)); s > bestScore {
				best, bestScore = i, s
			}
		}
		if bestScore >= ChoiceMatchScore {
			pick = best
		}
	}
	if pick < 0 && !negated {
		for word, idx := range ordinals {
			if strings.Contains(utt, word) && idx < len(candidates) {
				pick = idx
				break
			}
		}
		if pick < 0 && strings.Contains(utt, "last") {
			pick = len(candidates) - 1
		}
	}

	if pick >= 0 {
		if negated {
			// "not the second one" narrows the list instead of choosing
			rejected := candidates[pick]
			hist.Remove(rejected.Name, rejected.Value)
			remaining := append(append([]model.Entity(nil), candidates[:pick]...), candidates[pick+1:]...)
			if len(remaining) == 1 {
				sess.UnconfirmedEntity = nil
				turn.GotInfo = true
				return p.applyValue(ctx, sess, view, hist, remaining[0])
			}
			sess.UnconfirmedEntity = remaining
			return p.composer.Render(response.KeyChooseEntity, response.Args{
				Info:  displayName(view.CurEntity),
				Value: joinValues(remaining),
			})
		}
		chosen := candidates[pick]
		sess.UnconfirmedEntity = nil
		turn.GotInfo = true
		return p.applyValue(ctx, sess, view, hist, chosen)
	}

	return p.composer.Render(response.KeyChooseEntity, response.Args{
		Info:  displayName(view.CurEntity),
		Value: joinValues(candidates),
	})
}

// ============================================================
// Task and entity flow
// ============================================================

// newTaskFrom picks a confident task intent that is not already running.
func (p *Policy) newTaskFrom(sess *model.Session, turn *model.TurnState) (string, bool) {
	if !turn.GotIntent {
		return "", false
	}
	for _, in := range turn.Intents {
		if in.Uncertain {
			continue
		}
		if _, ok := p.bot.Tasks[in.Label]; !ok {
			continue
		}
		if sess.OnStack(in.Label) {
			logx.Debug().Str("task", in.Label).Msg("task already on stack, intent discarded")
			continue
		}
		if sess.FinishedTasks[in.Label] && !p.bot.Tasks[in.Label].Repeat {
			continue
		}
		return in.Label, true
	}
	return "", false
}

func (p *Policy) gotNewTask(ctx context.Context, sess *model.Session, turn *model.TurnState, view *state.TurnView, hist *entity.History, task string) string {
	p.states.ReceiveInfo(ctx, sess, state.Info{NewTask: task})
	next := p.states.UpdateAndGetStates(ctx, sess)

	spec := p.bot.Tasks[task]
	ack := ""
	if spec != nil && spec.Response != "" {
		ack = p.composer.RenderTemplate(spec.Response, response.Args{Task: p.taskDisplay(task)})
	} else {
		ack = p.composer.Render(response.KeyGotIntent, response.Args{Task: p.taskDisplay(task)})
	}

	// a value in the same utterance can fill the first slot immediately
	if next.CurEntity != "" {
		if candidates, retrieved := p.candidatesFor(sess, turn, next, hist); len(candidates) == 1 {
			need := next.Confirm || (next.ConfirmRetrieved && retrieved)
			if need {
				sess.UnconfirmedEntity = candidates
				sess.ConfirmEntity = true
				return response.Join(ack, p.composer.Render(response.KeyConfirmEntity, response.Args{
					Info:  displayName(next.CurEntity),
					Value: candidates[0].Value,
				}))
			}
			return response.Join(ack, p.applyValue(ctx, sess, next, hist, candidates[0]))
		}
	}

	return response.Join(ack, p.askCurrent(next))
}

// applyValue hands a resolved value to the state manager and composes the
// follow-up: acknowledgement, next prompt or task wrap-up.
func (p *Policy) applyValue(ctx context.Context, sess *model.Session, view *state.TurnView, hist *entity.History, cand model.Entity) string {
	upd := state.EntityUpdate{
		Name:   view.CurEntity,
		Value:  cand.Value,
		Method: cand.Method,
	}
	out := p.states.ReceiveInfo(ctx, sess, state.Info{Entity: &upd})

	if out.Respell {
		return p.composer.Render(response.KeyRespell, response.Args{Info: displayName(view.CurEntity)})
	}

	var ack string
	if es := view.CurEntitySpec; es != nil {
		switch es.Function {
		case config.FuncSimple:
			if es.Response != "" {
				ack = p.composer.RenderTemplate(es.Response, response.Args{
					Info: displayName(view.CurEntity), Value: cand.Value,
				})
			} else {
				ack = p.composer.Render(response.KeyGotInfo, response.Args{
					Info: displayName(view.CurEntity), Value: cand.Value,
				})
			}
		case config.FuncVerify:
			if !out.Success {
				ack = out.Msg
			}
		default:
			ack = out.Msg
		}
	}

	finishedTask := view.CurTask
	next := p.states.UpdateAndGetStates(ctx, sess)

	if next.CurTask == "" || !contains(next.TaskStack, finishedTask) {
		wrap := p.finishFragment(sess, finishedTask, next)
		return response.Join(ack, wrap, p.askCurrent(next))
	}
	return response.Join(ack, p.askCurrent(next))
}

// finishFragment renders the wrap-up line for a task that just left the
// stack, plus any queued finish-function message.
func (p *Policy) finishFragment(sess *model.Session, task string, next *state.TurnView) string {
	if task == "" {
		return ""
	}
	spec := p.bot.Tasks[task]
	success := sess.TaskSucceeded[task]

	var line string
	if spec != nil && spec.FinishResponse != "" && success {
		line = p.composer.RenderTemplate(spec.FinishResponse, response.Args{Task: p.taskDisplay(task)})
	} else if success {
		line = p.composer.Render(response.KeyTaskSuccess, response.Args{Task: p.taskDisplay(task)})
	} else {
		line = p.composer.Render(response.KeyTaskFail, response.Args{Task: p.taskDisplay(task)})
	}
	return response.Join(line, next.FinishFuncResponse)
}

// askCurrent renders the prompt for the current entity, or the idle
// follow-up when no task is active.
func (p *Policy) askCurrent(view *state.TurnView) string {
	if view.CurTask == "" || view.CurEntity == "" {
		return p.composer.Render(response.KeyConfirmFinish, response.Args{})
	}
	if es := view.CurEntitySpec; es != nil && es.Prompt != "" {
		return p.composer.RenderTemplate(es.Prompt, response.Args{Info: displayName(view.CurEntity)})
	}
	return p.composer.Render(response.KeyAskInfo, response.Args{Info: displayName(view.CurEntity)})
}

// ============================================================
// Candidates
// ============================================================

// candidatesFor collects possible values for the current entity: an
// in-flight respelling, this turn's extractions, then remembered history.
// The bool reports whether the values came from history.
func (p *Policy) candidatesFor(sess *model.Session, turn *model.TurnState, view *state.TurnView, hist *entity.History) ([]model.Entity, bool) {
	es := view.CurEntitySpec

	if sess.Spell != nil && sess.Spell.Entity == view.CurEntity {
		if v, ok := entity.JoinSpelled(turn.Utterance); ok {
			if hasType(view.CurEntityTypes, entity.TypeEmail) {
				v = entity.NormalizeEmail(v)
			}
			return []model.Entity{{Name: view.CurEntity, Value: v, Score: 1, Method: model.MethodSpelling}}, false
		}
	}

	fresh := entity.FilterByTypes(turn.Entities, view.CurEntityTypes)
	if len(view.CurEntityTypes) == 0 && len(fresh) == 0 && turn.Utterance != "" && view.CurEntity != "" && es != nil && es.Function == config.FuncSimple {
		// untyped simple slots take the raw utterance
		fresh = []model.Entity{{Name: view.CurEntity, Value: strings.TrimSpace(turn.Utterance), Score: 0.5, Method: model.MethodExact}}
	}
	if len(fresh) > 0 {
		return dedupe(fresh), false
	}

	if es != nil && es.Retrieve != nil && !*es.Retrieve {
		return nil, false
	}
	var remembered []model.Entity
	for _, typ := range view.CurEntityTypes {
		for _, e := range hist.Retrieve(typ) {
			if wrong, ok := sess.LastWrong[view.CurEntity]; ok && wrong == e.Value {
				continue
			}
			remembered = append(remembered, e)
		}
	}
	remembered = dedupe(remembered)
	if len(remembered) > 1 {
		return remembered, true
	}
	if len(remembered) == 1 {
		retrieved := remembered[0].Turn < sess.NumTurns
		return remembered, retrieved
	}
	return nil, false
}

// ============================================================
// Idle turns
// ============================================================

func (p *Policy) emptyResponse(sess *model.Session, turn *model.TurnState, view *state.TurnView) string {
	if sess.Paused {
		return p.composer.Render(response.KeyEmpty, response.Args{})
	}
	if turn.FAQAnswer != "" {
		if view.CurTask == "" {
			sess.ConfirmFinish = true
			return p.composer.Render(response.KeyConfirmFinish, response.Args{})
		}
		// mid-task FAQ answer; nudge back to the open question
		return p.askCurrent(view)
	}
	if view.CurTask != "" {
		if sess.LastResponse != "" {
			return sess.LastResponse
		}
		return p.askCurrent(view)
	}
	if sess.NumTurns <= 1 {
		return p.composer.Render(response.KeyGreeting, response.Args{})
	}
	return p.composer.Render(response.KeySuggestTasks, response.Args{Value: p.taskList()})
}

// ============================================================
// Helpers
// ============================================================

func (p *Policy) taskDisplay(task string) string {
	if spec, ok := p.bot.Tasks[task]; ok && spec.Description != "" {
		return spec.Description
	}
	return displayName(task)
}

func (p *Policy) taskList() string {
	var names []string
	for _, name := range sortedTaskNames(p.bot) {
		names = append(names, p.taskDisplay(name))
	}
	return strings.Join(names, ", ")
}

func displayName(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

func joinValues(candidates []model.Entity) string {
	var vals []string
	for _, c := range candidates {
		vals = append(vals, c.Value)
	}
	return strings.Join(vals, ", ")
}

func dedupe(in []model.Entity) []model.Entity {
	seen := map[string]bool{}
	var out []model.Entity
	for _, e := range in {
		if seen[e.Value] {
			continue
		}
		seen[e.Value] = true
		out = append(out, e)
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedTaskNames(bot *config.Bot) []string {
	names := make([]string, 0, len(bot.Tasks))
	for name := range bot.Tasks {
		names = append(names, name)
	}
	// stable listing for prompts
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}
