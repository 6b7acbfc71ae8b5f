package nlu

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	errx "github.com/tasktalk/server/internal/core/error"
	"github.com/tasktalk/server/internal/dialog/model"
	logx "github.com/tasktalk/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxRecords    = 200
	maxTupleLen   = 4 * 1024
)

type rawTuple struct {
	Type  string
	Parts []string
}

func parseRawTuple(s string) (*rawTuple, error) {
	if s == "" {
		return nil, fmt.Errorf("empty tuple")
	}
	if len(s) > maxTupleLen {
		return nil, fmt.Errorf("tuple too large")
	}
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("invalid tuple parens")
	}
	inner := s[1 : len(s)-1]
	parts := strings.SplitN(inner, tupDelim, 5)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid tuple parts")
	}
	return &rawTuple{Type: strings.TrimSpace(parts[0]), Parts: parts}, nil
}

func parseConfidence(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0, fmt.Errorf("confidence out of range")
	}
	return v, nil
}

// Parse converts model output in the tuple wire format into an NLUResult.
// Malformed records are skipped, never fatal: an interactive turn should
// degrade to "understood nothing" rather than error out.
func Parse(content string, uncertainBelow float64) (res *model.NLUResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "nlu_parser").Msgf("panic recovered: %v", r)
			err = errx.New(fmt.Errorf("nlu parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
			res = nil
		}
	}()

	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "nlu_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
	}
	if idx := strings.Index(content, endDelim); idx >= 0 {
		content = content[:idx]
	}

	res = &model.NLUResult{}
	processed := 0
	for _, rec := range strings.Split(content, recDelim) {
		if processed >= maxRecords {
			logx.Warn().Str("component", "nlu_parser").Int("max_records", maxRecords).Msg("record processing capped")
			break
		}
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		processed++

		rt, rerr := parseRawTuple(rec)
		if rerr != nil {
			logx.Debug().Str("component", "nlu_parser").Str("record", safeSnippet(rec)).Msg("bad record skipped")
			continue
		}

		switch rt.Type {
		case "intent":
			if len(rt.Parts) < 3 {
				continue
			}
			name := strings.TrimSpace(rt.Parts[1])
			if name == "" || !utf8.ValidString(name) {
				continue
			}
			conf, cerr := parseConfidence(rt.Parts[2])
			if cerr != nil {
				continue
			}
			res.Intents = append(res.Intents, model.Intent{
				Label:     name,
				Score:     conf,
				Uncertain: conf < uncertainBelow,
			})
		case "entity":
			if len(rt.Parts) < 4 {
				continue
			}
			etype := strings.TrimSpace(rt.Parts[1])
			val := strings.TrimSpace(rt.Parts[2])
			if etype == "" || val == "" || !utf8.ValidString(etype) || !utf8.ValidString(val) {
				continue
			}
			conf, cerr := parseConfidence(rt.Parts[3])
			if cerr != nil {
				continue
			}
			res.Entities = append(res.Entities, model.Entity{
				Name:   etype,
				Value:  val,
				Score:  conf,
				Method: model.MethodNER,
			})
		case "polarity":
			if len(rt.Parts) < 2 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(rt.Parts[1])) {
			case "positive":
				res.Polarity = model.PolarityPositive
			case "negative":
				res.Polarity = model.PolarityNegative
			default:
				res.Polarity = model.PolarityNone
			}
		default:
			logx.Debug().Str("component", "nlu_parser").Str("type", rt.Type).Msg("unknown tuple type")
		}
	}

	return res, nil
}

const maxErrSnippet = 200

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
