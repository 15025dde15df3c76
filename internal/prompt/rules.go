// Package prompt recognizes interactive prompts in captured session output
// and supplies the canned answer for each.
package prompt

import (
	"fmt"
	"regexp"

	"github.com/bridge25/unmanned-manager/internal/config"
)

// Rule maps prompt signatures to a response. An empty Response means the
// prompt only needs the activation keys.
type Rule struct {
	Name        string
	Patterns    []*regexp.Regexp
	Response    string
	Description string
}

// Match is a detected prompt.
type Match struct {
	Rule    string
	Pattern string
	// Response is typed before the activation keys.
	Response    string
	Description string
}

// RuleSet checks rules in order; the first matching rule wins.
type RuleSet struct {
	rules []Rule
}

// Compile builds a rule from string patterns. Patterns match
// case-insensitively with ^ and $ anchored at line boundaries.
func Compile(name, response, description string, patterns ...string) (Rule, error) {
	r := Rule{Name: name, Response: response, Description: description}
	for _, p := range patterns {
		re, err := regexp.Compile("(?im)" + p)
		if err != nil {
			return Rule{}, fmt.Errorf("prompt rule %s: %w", name, err)
		}
		r.Patterns = append(r.Patterns, re)
	}
	return r, nil
}

func mustCompile(name, response, description string, patterns ...string) Rule {
	r, err := Compile(name, response, description, patterns...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRules answers permission confirmations, recommended-choice menus
// and press-enter pauses.
func DefaultRules() []Rule {
	return []Rule{
		mustCompile("permission_yes", "1", "permission confirmation",
			`Do you want to proceed\?`,
			`Permission rule .* requires confirmation`,
			`❯\s*1\.\s*Yes`,
			`1\.\s*Yes\s*\n\s*2\.`,
		),
		mustCompile("select_first", "1", "select recommended option",
			`❯\s*1\.\s*.+\(Recommended\)`,
			`❯\s*1\.\s*.+\(권장\)`,
		),
		mustCompile("gitignore_add", "1", "add to .gitignore",
			`1\.\s*\.gitignore에 추가`,
			`\.gitignore에 추가 \(권장\)`,
		),
		mustCompile("continue", "", "continue",
			`Enter to select`,
			`Press Enter to continue`,
			`계속하려면 Enter`,
		),
	}
}

// NewRuleSet returns a rule set over rules in the given order.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// FromConfig starts from DefaultRules. A configured rule with a built-in name
// replaces it in place; other configured rules are appended.
func FromConfig(cfgRules []config.PromptRuleConfig) (*RuleSet, error) {
	rules := DefaultRules()
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		index[r.Name] = i
	}
	for _, c := range cfgRules {
		r, err := Compile(c.Name, c.Response, c.Description, c.Patterns...)
		if err != nil {
			return nil, err
		}
		if i, ok := index[c.Name]; ok {
			rules[i] = r
			continue
		}
		index[c.Name] = len(rules)
		rules = append(rules, r)
	}
	return NewRuleSet(rules...), nil
}

// Rules returns the rules in evaluation order.
func (s *RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Detect returns the first rule with a pattern found in output.
func (s *RuleSet) Detect(output string) (Match, bool) {
	if s == nil || output == "" {
		return Match{}, false
	}
	for _, r := range s.rules {
		for _, re := range r.Patterns {
			if re.MatchString(output) {
				return Match{
					Rule:        r.Name,
					Pattern:     re.String(),
					Response:    r.Response,
					Description: r.Description,
				}, true
			}
		}
	}
	return Match{}, false
}
