package reply

// Built-in responses of the studio console.
const (
	PlanningResponse   = "Start by framing the intention, then stack milestones that unlock the next question. Anchor each milestone to an outcome you can celebrate."
	IcebreakerResponse = "Try a 60-second gallery: everyone drops a single photo or emoji that matches their energy. It warms the room and sparks stories instantly."
	PitchResponse      = "Lead with the tension you dissolve, then offer a crisp promise. Keep verbs active, sentences short, and finish with an invitation instead of a plea."
	IdeaResponse       = "Collect fragments that already excite you, group them by the feeling they create, and explore the overlap. Momentum lives where curiosity repeats."
	DefaultResponse    = "I remix patterns, surface momentum, and keep the vibe intentional. Lean into the question—I'll meet you with a nudge forward."
)

// DefaultRuleDefs returns the built-in rule definitions in precedence order.
func DefaultRuleDefs() []RuleDef {
	return []RuleDef{
		{Pattern: `plan|roadmap|launch`, Response: PlanningResponse},
		{Pattern: `icebreaker|remote|team`, Response: IcebreakerResponse},
		{Pattern: `pitch|rewrite|copy`, Response: PitchResponse},
		{Pattern: `idea|creative|spark`, Response: IdeaResponse},
	}
}

var defaultSelector = mustDefault()

func mustDefault() *Selector {
	rules, err := CompileRules(DefaultRuleDefs())
	if err != nil {
		panic("reply: invalid built-in rules: " + err.Error())
	}
	s, err := NewSelector(rules, DefaultResponse)
	if err != nil {
		panic("reply: invalid built-in selector: " + err.Error())
	}
	return s
}

// Default returns the selector built from the built-in rules.
func Default() *Selector {
	return defaultSelector
}
