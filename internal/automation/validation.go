package automation

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationIssue describes one problem found in a rule.
type ValidationIssue struct {
	// Rule is the rule's key (id, name or the anonymous sentinel).
	Rule string
	// Path locates the fragment, e.g. "actions[1].then[0]". Empty for
	// problems with the rule's own fields.
	Path string
	Err  error
}

func (i ValidationIssue) Error() string {
	if i.Path == "" {
		return fmt.Sprintf("rule %q: %v", i.Rule, i.Err)
	}
	return fmt.Sprintf("rule %q: %s: %v", i.Rule, i.Path, i.Err)
}

// ValidateRules returns every issue found across rules, in rule order.
func ValidateRules(rules []Rule) []ValidationIssue {
	var issues []ValidationIssue
	for i := range rules {
		issues = append(issues, rules[i].Issues()...)
	}
	return issues
}

// Issues lists what is wrong with the rule: undecodable own fields, invalid
// fragments and unknown operators. A rule with issues still loads; the
// offending fragments never match, always fail or do nothing.
func (r *Rule) Issues() []ValidationIssue {
	w := issueWalker{rule: r.Key()}
	if r.err != nil {
		w.add("", r.err)
	}
	for i, t := range r.Triggers {
		w.trigger(fmt.Sprintf("triggers[%d]", i), t)
	}
	w.conditions("conditions", r.Conditions)
	w.actions("actions", r.Actions)
	return w.issues
}

// Err returns the rule-level decode error, if any.
func (r *Rule) Err() error {
	return r.err
}

type issueWalker struct {
	rule   string
	issues []ValidationIssue
}

func (w *issueWalker) add(path string, err error) {
	w.issues = append(w.issues, ValidationIssue{Rule: w.rule, Path: path, Err: err})
}

func (w *issueWalker) operator(path string, op Operator) {
	if !op.Valid() {
		w.add(path, fmt.Errorf("%w: %q", ErrUnknownOperator, op))
	}
}

func (w *issueWalker) trigger(path string, t Trigger) {
	switch v := t.(type) {
	case InvalidTrigger:
		w.add(path, v.Err)
	case StateTrigger:
		w.operator(path, v.Operator)
	}
}

func (w *issueWalker) conditions(path string, conds []Condition) {
	for i, c := range conds {
		p := fmt.Sprintf("%s[%d]", path, i)
		switch v := c.(type) {
		case InvalidCondition:
			w.add(p, v.Err)
		case StateCondition:
			w.operator(p, v.Operator)
		}
	}
}

func (w *issueWalker) actions(path string, actions []Action) {
	for i, a := range actions {
		p := fmt.Sprintf("%s[%d]", path, i)
		switch v := a.(type) {
		case InvalidAction:
			w.add(p, v.Err)
		case ConditionAction:
			w.conditions(p+".conditions", v.Conditions)
		case IfAction:
			w.conditions(p+".conditions", v.Conditions)
			w.actions(p+".then", v.Then)
			w.actions(p+".else", v.Else)
		case ChooseAction:
			for j, c := range v.Choices {
				cp := fmt.Sprintf("%s.choices[%d]", p, j)
				w.conditions(cp+".conditions", c.Conditions)
				w.actions(cp+".sequence", c.Sequence)
			}
			w.actions(p+".default", v.Default)
		}
	}
}


// GenerateID creates a new unique identifier (UUID v4).
func GenerateID() string {
	return uuid.New().String()
}
