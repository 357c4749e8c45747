package costs

import (
	"fmt"
	"math"
	"strings"
)

// ActionKind names a billable operation.
type ActionKind string

const (
	ActionTemplate     ActionKind = "template"
	ActionHook         ActionKind = "hook"
	ActionHookContent  ActionKind = "hook_content"
	ActionGeneration   ActionKind = "generation"
	ActionRevival      ActionKind = "revival"
	ActionIdea         ActionKind = "idea"
	ActionIdeasContent ActionKind = "ideas_content"
)

// Rule holds the pricing parameters for one action kind.
type Rule struct {
	Base    int
	PerWord float64
}

var rules = map[ActionKind]Rule{
	ActionTemplate:     {Base: 100, PerWord: 0.2},
	ActionHook:         {Base: 75, PerWord: 0.15},
	ActionHookContent:  {Base: 150, PerWord: 0.25},
	ActionGeneration:   {Base: 150, PerWord: 0.25},
	ActionRevival:      {Base: 200, PerWord: 0.3},
	ActionIdea:         {Base: 125, PerWord: 0.2},
	ActionIdeasContent: {Base: 150, PerWord: 0.25},
}

// Known reports whether kind has a pricing rule.
func Known(kind ActionKind) bool {
	_, ok := rules[kind]
	return ok
}

// Kinds returns all priced action kinds.
func Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(rules))
	for k := range rules {
		out = append(out, k)
	}
	return out
}

// Price returns the token cost of running kind over text:
// ceil(base + wordCount * perWord). An unknown kind is a configuration
// error and is not recoverable at runtime.
func Price(kind ActionKind, text string) (int, error) {
	r, ok := rules[kind]
	if !ok {
		return 0, fmt.Errorf("costs: no pricing rule for action %q", kind)
	}
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(r.Base) + float64(words)*r.PerWord)), nil
}
