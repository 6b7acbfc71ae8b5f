package nlu

import (
	"context"

	"github.com/tasktalk/server/internal/dialog/model"
)

// Delimiters of the tuple wire format emitted by the understanding model.
const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)

// Query is one utterance to understand, with its conversation context.
type Query struct {
	ConversationID string
	Utterance      string
	// History holds recent turns, oldest first, "user: ..."/"bot: ..." lines.
	History []string
}

// Predictor is the understanding layer seen by the dialogue engine.
type Predictor interface {
	Predict(ctx context.Context, q Query) (*model.NLUResult, error)
}

// Static is a canned predictor keyed by exact utterance, for offline runs
// and tests.
type Static map[string]*model.NLUResult

func (s Static) Predict(ctx context.Context, q Query) (*model.NLUResult, error) {
	if r, ok := s[q.Utterance]; ok {
		return r, nil
	}
	return &model.NLUResult{}, nil
}
