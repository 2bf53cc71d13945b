package pap

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// ConversionResult is the outcome of converting natural-language policy
// text into a structured rule set. Confidence reflects how much of the
// text the pattern library could account for; low-confidence results
// should be reviewed before the rules replace LLM judgment.
type ConversionResult struct {
	Rules      *policy.RuleSet
	Confidence float64
	// Matched lists the pattern names that fired, in text order.
	Matched []string
	// Unmatched lists sentences no pattern could interpret.
	Unmatched []string
}

// Converter turns common policy phrasings into structured rules using a
// pattern library. It is deliberately conservative: anything it cannot
// interpret stays in Unmatched and lowers the confidence instead of
// producing a guessed rule.
type Converter struct{}

// NewConverter creates a converter.
func NewConverter() *Converter {
	return &Converter{}
}

var (
	sentenceSplit = regexp.MustCompile(`[.;\n]+`)

	denyVerb   = regexp.MustCompile(`\b(deny|denied|prohibit|prohibited|forbid|forbidden|block|blocked|must not|may not|cannot|never)\b`)
	permitVerb = regexp.MustCompile(`\b(allow|allowed|permit|permitted|may|can)\b`)

	timeWindow     = regexp.MustCompile(`between\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s+and\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
	businessHours  = regexp.MustCompile(`\bbusiness hours\b`)
	weekdaysOnly   = regexp.MustCompile(`\b(weekday|weekdays|monday through friday)\b`)
	trustThreshold = regexp.MustCompile(`trust (?:score|level)\s+(?:above|over|at least|greater than)\s+(\d+(?:\.\d+)?)`)
	agentType      = regexp.MustCompile(`\b([a-z][a-z0-9_-]*)\s+agents?\b`)
	classification = regexp.MustCompile(`\b(public|internal|confidential|restricted)\b`)
	emergencyWords = regexp.MustCompile(`\bemergenc(?:y|ies)\b`)
	delegationCap  = regexp.MustCompile(`delegation depth\s+(?:of\s+)?(?:at most|up to|below|less than)\s+(\d+)`)
	toolMention    = regexp.MustCompile(`\btools?\s+([a-zA-Z0-9_]+)`)
)

// Convert interprets text sentence by sentence. Each interpretable
// sentence yields one permission or prohibition rule carrying the
// constraints recognized in it.
func (c *Converter) Convert(text string) ConversionResult {
	result := ConversionResult{Rules: &policy.RuleSet{}}

	sentences := sentenceSplit.Split(text, -1)
	total := 0
	for _, raw := range sentences {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		total++

		rule, patterns, ok := c.convertSentence(strings.ToLower(sentence))
		if !ok {
			result.Unmatched = append(result.Unmatched, sentence)
			continue
		}
		result.Matched = append(result.Matched, patterns...)
		if denyVerb.MatchString(strings.ToLower(sentence)) {
			result.Rules.Prohibitions = append(result.Rules.Prohibitions, rule)
		} else {
			result.Rules.Permissions = append(result.Rules.Permissions, rule)
		}
	}

	if total > 0 {
		result.Confidence = float64(total-len(result.Unmatched)) / float64(total)
	}
	return result
}

// convertSentence recognizes the constraint patterns present in one
// lowercased sentence. ok is false when neither a policy verb nor any
// pattern fires.
func (c *Converter) convertSentence(sentence string) (policy.Rule, []string, bool) {
	rule := policy.Rule{Action: "*"}
	var patterns []string

	if m := toolMention.FindStringSubmatch(sentence); m != nil {
		rule.Action = "tool:" + m[1] + "*"
		patterns = append(patterns, "tool")
	}

	if m := timeWindow.FindStringSubmatch(sentence); m != nil {
		from := clockString(m[1], m[2], m[3])
		to := clockString(m[4], m[5], m[6])
		rule.Constraints = append(rule.Constraints,
			&policy.Constraint{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpGteq, RightOperand: from},
			&policy.Constraint{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpLt, RightOperand: to},
		)
		patterns = append(patterns, "time-window")
	} else if businessHours.MatchString(sentence) {
		rule.Constraints = append(rule.Constraints,
			&policy.Constraint{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpGteq, RightOperand: "09:00"},
			&policy.Constraint{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpLt, RightOperand: "17:00"},
		)
		patterns = append(patterns, "business-hours")
	}

	if weekdaysOnly.MatchString(sentence) {
		rule.Constraints = append(rule.Constraints, &policy.Constraint{
			LeftOperand:  decision.OperandDayOfWeek,
			Operator:     policy.OpIsAnyOf,
			RightOperand: []any{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
		})
		patterns = append(patterns, "weekdays")
	}

	if m := trustThreshold.FindStringSubmatch(sentence); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			rule.Constraints = append(rule.Constraints, &policy.Constraint{
				LeftOperand:  decision.OperandTrustScore,
				Operator:     policy.OpGt,
				RightOperand: score,
			})
			patterns = append(patterns, "trust-threshold")
		}
	}

	if m := agentType.FindStringSubmatch(sentence); m != nil && !genericAgentWord(m[1]) {
		rule.Constraints = append(rule.Constraints, &policy.Constraint{
			LeftOperand:  decision.OperandAgentType,
			Operator:     policy.OpEq,
			RightOperand: m[1],
		})
		patterns = append(patterns, "agent-type")
	}

	if m := classification.FindStringSubmatch(sentence); m != nil {
		rule.Constraints = append(rule.Constraints, &policy.Constraint{
			LeftOperand:  decision.OperandResourceClassification,
			Operator:     policy.OpEq,
			RightOperand: m[1],
		})
		patterns = append(patterns, "classification")
	}

	if emergencyWords.MatchString(sentence) {
		rule.Constraints = append(rule.Constraints, &policy.Constraint{
			LeftOperand:  decision.OperandEmergencyFlag,
			Operator:     policy.OpEq,
			RightOperand: true,
		})
		patterns = append(patterns, "emergency")
	}

	if m := delegationCap.FindStringSubmatch(sentence); m != nil {
		if depth, err := strconv.Atoi(m[1]); err == nil {
			rule.Constraints = append(rule.Constraints, &policy.Constraint{
				LeftOperand:  decision.OperandDelegationDepth,
				Operator:     policy.OpLteq,
				RightOperand: depth,
			})
			patterns = append(patterns, "delegation-depth")
		}
	}

	hasVerb := denyVerb.MatchString(sentence) || permitVerb.MatchString(sentence)
	if !hasVerb || len(patterns) == 0 {
		return policy.Rule{}, nil, false
	}
	return rule, patterns, true
}

// genericAgentWord filters determiners that precede "agents" without
// naming a type.
func genericAgentWord(w string) bool {
	switch w {
	case "all", "any", "the", "these", "those", "other", "no", "such", "only", "with":
		return true
	}
	return false
}

// clockString normalizes an hour/minute/meridiem capture to "HH:MM".
func clockString(hour, minute, meridiem string) string {
	h, _ := strconv.Atoi(hour)
	if meridiem == "pm" && h < 12 {
		h += 12
	}
	if meridiem == "am" && h == 12 {
		h = 0
	}
	if minute == "" {
		minute = "00"
	}
	return twoDigits(h) + ":" + minute
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
