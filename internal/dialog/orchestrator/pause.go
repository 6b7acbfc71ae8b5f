package orchestrator

import (
	"strings"

	"github.com/tasktalk/server/pkg/fuzzy"
)

// PauseEditDistance is the edit slack allowed when spotting hold and
// resume phrases in an utterance.
const PauseEditDistance = 3

var holdPhrases = []string{
	"hold on",
	"wait a moment",
	"one moment",
	"one second",
	"give me a second",
	"give me a minute",
	"hang on",
	"just a moment",
}

var resumePhrases = []string{
	"i am back",
	"i'm back",
	"im back",
	"ok go on",
	"go ahead",
	"continue",
	"resume",
	"where were we",
}

// detectHold reports whether the utterance asks the bot to wait.
func detectHold(utterance string) bool {
	return matchAny(utterance, holdPhrases)
}

// detectResume reports whether the utterance picks the conversation back up.
func detectResume(utterance string) bool {
	return matchAny(utterance, resumePhrases)
}

func matchAny(utterance string, phrases []string) bool {
	utt := strings.ToLower(strings.TrimSpace(utterance))
	if utt == "" {
		return false
	}
	for _, p := range phrases {
		if fuzzy.ContainsNear(p, utt, PauseEditDistance) {
			return true
		}
	}
	return false
}
