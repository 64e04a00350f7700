// Package rules implements the compliance rules engine applied by the
// validator stage. Rules are (id, description, predicate) triples evaluated
// in registration order; a predicate error or panic counts as a failed
// rule, never as a document failure.
package rules

import (
	"fmt"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
)

// Predicate checks one condition. Returning an error marks the rule failed.
type Predicate func(c models.Condition) (bool, error)

// Rule is one registered compliance check.
type Rule struct {
	ID          string
	Description string
	Check       Predicate
}

// Engine holds the registered rules in registration order.
type Engine struct {
	rules []Rule
	log   *common.ContextLogger
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		log: common.NewContextLogger(common.Logger, map[string]interface{}{"component": "rules"}),
	}
}

// Register appends a rule. Later registrations evaluate later.
func (e *Engine) Register(id, description string, check Predicate) {
	e.rules = append(e.rules, Rule{ID: id, Description: description, Check: check})
}

// Rules returns the registered rules in order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every rule against the condition and returns exactly one
// result per registered rule, in registration order. Predicate errors and
// panics are logged and reported as passed=false.
func (e *Engine) Evaluate(c models.Condition) []models.RuleResult {
	results := make([]models.RuleResult, 0, len(e.rules))
	for _, rule := range e.rules {
		results = append(results, models.RuleResult{
			RuleID:      rule.ID,
			Description: rule.Description,
			Passed:      e.run(rule, c),
		})
	}
	return results
}

// run executes one predicate, converting errors and panics to false.
func (e *Engine) run(rule Rule, c models.Condition) (passed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(map[string]interface{}{
				"rule_id":      rule.ID,
				"condition_id": c.ID,
				"panic":        fmt.Sprintf("%v", r),
			}).Warn("Rule predicate panicked")
			passed = false
		}
	}()

	ok, err := rule.Check(c)
	if err != nil {
		e.log.WithError(err).WithFields(map[string]interface{}{
			"rule_id":      rule.ID,
			"condition_id": c.ID,
		}).Warn("Rule predicate failed")
		return false
	}
	return ok
}
