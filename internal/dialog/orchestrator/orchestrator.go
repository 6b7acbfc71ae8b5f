package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	errx "github.com/tasktalk/server/internal/core/error"
	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/entity"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/nlu"
	"github.com/tasktalk/server/internal/dialog/policy"
	"github.com/tasktalk/server/internal/dialog/response"
	"github.com/tasktalk/server/internal/dialog/state"
	logx "github.com/tasktalk/server/pkg/logger"
)

// ResetCommand wipes the conversation's session when received verbatim.
const ResetCommand = "RESET"

// Orchestrator runs one user turn end to end: load the session, understand
// the utterance, arbitrate tasks through the policy and state manager, and
// persist the result. One orchestrator serves every conversation; turns
// within a conversation are serialized, turns across conversations run
// concurrently.
type Orchestrator struct {
	bot       *config.Bot
	predictor nlu.Predictor
	states    *state.Manager
	pol       *policy.Policy
	composer  *response.Composer
	sessions  model.SessionRepository

	maxHistory int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config wires an Orchestrator.
type Config struct {
	Bot       *config.Bot
	Predictor nlu.Predictor
	States    *state.Manager
	Policy    *policy.Policy
	Composer  *response.Composer
	Sessions  model.SessionRepository
	// MaxHistoryTurns bounds the transcript kept for model context.
	MaxHistoryTurns int
}

// New builds the orchestrator.
func New(cfg Config) *Orchestrator {
	maxHistory := cfg.MaxHistoryTurns
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &Orchestrator{
		bot:        cfg.Bot,
		predictor:  cfg.Predictor,
		states:     cfg.States,
		pol:        cfg.Policy,
		composer:   cfg.Composer,
		sessions:   cfg.Sessions,
		maxHistory: maxHistory,
		locks:      map[string]*sync.Mutex{},
	}
}

// ProcessTurn handles one utterance for a conversation and returns the
// bot's reply.
func (o *Orchestrator) ProcessTurn(ctx context.Context, conversationID, utterance string) (string, error) {
	lock := o.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.loadSession(ctx, conversationID)
	if err != nil {
		return "", err
	}

	utterance = strings.TrimSpace(utterance)

	if utterance == ResetCommand {
		if err := o.sessions.Delete(ctx, conversationID); err != nil && !errx.NotFound(err) {
			return "", err
		}
		o.states.DropSessionFuncs(conversationID)
		sess = model.NewSession(conversationID)
		reply := o.composer.Render(response.KeyGreeting, response.Args{})
		return reply, o.persist(ctx, sess, utterance, reply)
	}

	// a failed conversation stays failed; everything goes to a human
	if sess.FinishAndFail {
		reply := o.composer.Render(response.KeyForwardHuman, response.Args{})
		return reply, o.persist(ctx, sess, utterance, reply)
	}

	sess.NumTurns++

	// pause handling before anything else burns the turn
	if sess.Paused {
		if detectResume(utterance) {
			sess.Paused = false
			reply := o.composer.Render(response.KeyWelcomeBack, response.Args{
				Task: displayTask(o.bot, sess.CurTask),
			})
			view := o.states.UpdateAndGetStates(ctx, sess)
			reply = response.Join(reply, o.askAgain(view))
			sess.LastResponse = reply
			return reply, o.persist(ctx, sess, utterance, reply)
		}
		reply := o.composer.Render(response.KeyEmpty, response.Args{})
		return reply, o.persist(ctx, sess, utterance, reply)
	}
	if utterance != "" && detectHold(utterance) {
		sess.Paused = true
		reply := o.composer.Render(response.KeyEmpty, response.Args{})
		return reply, o.persist(ctx, sess, utterance, reply)
	}

	view := o.states.UpdateAndGetStates(ctx, sess)
	turn := &model.TurnState{Utterance: utterance}
	hist := entity.NewHistory(sess.EntityHistory, sess.NamedEntityLatest)

	if utterance != "" {
		if err := o.understand(ctx, sess, turn); err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Msg("understanding failed")
			// degrade to an uninformative turn rather than erroring out
		}
	}

	o.recordEntities(sess, turn, hist)

	// FAQ beats task intents when it matches well enough
	faqRes := o.handleFAQ(sess, turn, view)

	// uncertain intent: queue it and ask before starting the task
	if reply, confirmed := o.maybeConfirmIntent(sess, turn, faqRes, view); confirmed {
		sess.LastResponse = reply
		o.snapshot(sess, hist)
		return reply, o.persist(ctx, sess, utterance, reply)
	}

	// escalation guard: too many uninformative turns in a row
	if reply, escalated := o.noInfoHandler(sess, turn, view); escalated {
		o.snapshot(sess, hist)
		return reply, o.persist(ctx, sess, utterance, reply)
	}

	policyRes := o.pol.Respond(ctx, sess, turn, view, hist)

	reply := response.Join(view.FinishFuncResponse, faqRes, policyRes)
	if policyRes != "" {
		sess.LastResponse = policyRes
	}
	sess.PrevTurnGotIntent = turn.GotIntent

	o.snapshot(sess, hist)
	return reply, o.persist(ctx, sess, utterance, reply)
}

// ============================================================
// Turn stages
// ============================================================

// understand runs the NLU predictor and folds its output into the turn.
// Pseudo-intents for bare agreement and refusal become polarity.
func (o *Orchestrator) understand(ctx context.Context, sess *model.Session, turn *model.TurnState) error {
	res, err := o.predictor.Predict(ctx, nlu.Query{
		ConversationID: sess.ID,
		Utterance:      turn.Utterance,
		History:        sess.Transcript,
	})
	if err != nil {
		return err
	}

	turn.Polarity = res.Polarity
	turn.Entities = entity.Normalize(res.Entities)
	turn.GotNER = len(turn.Entities) > 0

	for _, in := range res.Intents {
		switch in.Label {
		case model.IntentPositive:
			turn.Polarity = model.PolarityPositive
		case model.IntentNegative:
			turn.Polarity = model.PolarityNegative
		default:
			turn.Intents = append(turn.Intents, in)
		}
	}
	turn.GotIntent = len(turn.Intents) > 0

	// an answer to a pending confirmation is information
	if turn.Polarity != model.PolarityNone &&
		(len(sess.UnconfirmedIntents) > 0 || len(sess.UnconfirmedEntity) > 0 || sess.ConfirmFinish) {
		turn.GotInfo = true
	}
	return nil
}

// recordEntities writes this turn's extractions into the entity history.
func (o *Orchestrator) recordEntities(sess *model.Session, turn *model.TurnState, hist *entity.History) {
	for _, e := range turn.Entities {
		hist.Add(e, sess.NumTurns)
	}
	if len(turn.Entities) > 0 {
		turn.GotEntityInfo = true
	}
}

// handleFAQ answers a matching canned question. A match discards any task
// intent in the same utterance; with no task open it also asks whether the
// conversation is done.
func (o *Orchestrator) handleFAQ(sess *model.Session, turn *model.TurnState, view *state.TurnView) string {
	name, answers, ok := matchFAQ(o.bot, turn.Utterance)
	if !ok {
		return ""
	}
	turn.FAQName = name
	turn.FAQAnswer = o.composer.Pick(answers)
	turn.Intents = nil
	turn.GotIntent = false
	turn.GotInfo = true
	logx.Debug().Str("faq", name).Str("conversation_id", sess.ID).Msg("faq matched")
	return turn.FAQAnswer
}

// maybeConfirmIntent queues an uncertain task intent and asks for
// confirmation, ending the turn early.
func (o *Orchestrator) maybeConfirmIntent(sess *model.Session, turn *model.TurnState, faqRes string, view *state.TurnView) (string, bool) {
	if !turn.GotIntent || len(sess.UnconfirmedIntents) > 0 || len(sess.UnconfirmedEntity) > 0 {
		return "", false
	}
	for _, in := range turn.Intents {
		if !in.Uncertain {
			continue
		}
		if _, ok := o.bot.Tasks[in.Label]; !ok {
			continue
		}
		if sess.OnStack(in.Label) {
			continue
		}
		sess.UnconfirmedIntents = append(sess.UnconfirmedIntents, in.Label)
		ask := o.composer.Render(response.KeyConfirmIntent, response.Args{
			Task: displayTask(o.bot, in.Label),
		})
		return response.Join(faqRes, ask), true
	}
	return "", false
}

// noInfoHandler tracks consecutive uninformative turns and escalates to a
// human once the bot has been stuck for too long.
func (o *Orchestrator) noInfoHandler(sess *model.Session, turn *model.TurnState, view *state.TurnView) (string, bool) {
	informative := turn.GotInfo || turn.GotIntent || turn.GotEntityInfo || turn.FAQAnswer != ""
	if informative || sess.Paused {
		sess.ContinuousNoInfo = 0
		sess.PrevTurnNoInfo = false
		return "", false
	}

	if sess.PrevTurnNoInfo {
		sess.ContinuousNoInfo++
	} else {
		sess.ContinuousNoInfo = 1
	}
	sess.PrevTurnNoInfo = true

	if sess.ContinuousNoInfo >= o.bot.Bot.MaxNoInfoTurn {
		sess.ForwardToHuman = true
		sess.FinishAndFail = true
		logx.Info().
			Str("conversation_id", sess.ID).
			Int("no_info_turns", sess.ContinuousNoInfo).
			Msg("escalating to human after repeated uninformative turns")
		return o.composer.Render(response.KeyForwardHuman, response.Args{}), true
	}
	return "", false
}

// askAgain re-prompts for whatever the conversation was waiting on.
func (o *Orchestrator) askAgain(view *state.TurnView) string {
	if view.CurTask == "" {
		return ""
	}
	if sessPrompt := view.CurEntity; sessPrompt != "" {
		if es := view.CurEntitySpec; es != nil && es.Prompt != "" {
			return o.composer.RenderTemplate(es.Prompt, response.Args{Info: strings.ReplaceAll(view.CurEntity, "_", " ")})
		}
		return o.composer.Render(response.KeyAskInfo, response.Args{Info: strings.ReplaceAll(view.CurEntity, "_", " ")})
	}
	return ""
}

// ============================================================
// Session plumbing
// ============================================================

func (o *Orchestrator) lockFor(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[conversationID] = lock
	}
	return lock
}

func (o *Orchestrator) loadSession(ctx context.Context, conversationID string) (*model.Session, error) {
	sess, err := o.sessions.Get(ctx, conversationID)
	if err != nil {
		if errx.NotFound(err) {
			return model.NewSession(conversationID), nil
		}
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) snapshot(sess *model.Session, hist *entity.History) {
	sess.EntityHistory, sess.NamedEntityLatest = hist.Snapshot()
}

func (o *Orchestrator) persist(ctx context.Context, sess *model.Session, utterance, reply string) error {
	if utterance != "" {
		sess.Transcript = append(sess.Transcript, "user: "+utterance)
	}
	if reply != "" {
		sess.Transcript = append(sess.Transcript, "bot: "+reply)
	}
	if over := len(sess.Transcript) - o.maxHistory; over > 0 {
		sess.Transcript = sess.Transcript[over:]
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := o.sessions.Save(ctx, sess); err != nil {
		logx.Error().Err(err).Str("conversation_id", sess.ID).Msg("failed to persist session")
		return err
	}
	return nil
}

func displayTask(bot *config.Bot, task string) string {
	if spec, ok := bot.Tasks[task]; ok && spec.Description != "" {
		return spec.Description
	}
	return strings.ReplaceAll(task, "_", " ")
}
