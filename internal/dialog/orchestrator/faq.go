package orchestrator

import (
	"strings"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/pkg/fuzzy"
)

// FAQMatchScore is the similarity an utterance must exceed against an FAQ
// sample before the canned answer wins the turn.
const FAQMatchScore = 90

// matchFAQ compares the utterance against every FAQ's samples. Exact
// matches always win; near misses only count for FAQs that opt into fuzzy
// matching. Returns the FAQ name and its answer pool, or ok=false.
func matchFAQ(bot *config.Bot, utterance string) (string, []string, bool) {
	utt := strings.ToLower(strings.TrimSpace(utterance))
	if utt == "" {
		return "", nil, false
	}

	bestName := ""
	bestScore := 0
	var bestAnswers []string
	for name, faq := range bot.FAQs {
		for _, sample := range faq.Samples {
			s := strings.ToLower(strings.TrimSpace(sample))
			if s == utt {
				return name, faq.Answers, true
			}
			if !faq.Fuzzy() {
				continue
			}
			if score := fuzzy.Ratio(utt, s); score > FAQMatchScore && score > bestScore {
				bestName, bestScore, bestAnswers = name, score, faq.Answers
			}
		}
	}
	if bestName != "" {
		return bestName, bestAnswers, true
	}
	return "", nil, false
}
