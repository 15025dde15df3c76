package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge25/unmanned-manager/internal/config"
)

func TestDefaultRulesDetect(t *testing.T) {
	rs := NewRuleSet(DefaultRules()...)

	tests := []struct {
		name     string
		output   string
		wantRule string
		wantResp string
	}{
		{"proceed", "Bash(rm -rf build)\nDo you want to proceed?\n❯ 1. Yes\n  2. No", "permission_yes", "1"},
		{"numbered yes", "  1. Yes\n  2. No, and tell the agent", "permission_yes", "1"},
		{"case insensitive", "DO YOU WANT TO PROCEED?", "permission_yes", "1"},
		{"recommended", "Pick a base branch\n❯ 1. main (Recommended)\n  2. develop", "select_first", "1"},
		{"press enter", "Build finished.\npress enter to continue", "continue", ""},
		{"enter to select", "↑/↓ to navigate · Enter to select", "continue", ""},
		{"recommended korean", "❯ 1. 예 (권장)\n  2. 아니오", "select_first", "1"},
		{"gitignore", "1. .gitignore에 추가\n2. 건너뛰기", "gitignore_add", "1"},
		{"press enter korean", "계속하려면 Enter 키를 누르세요", "continue", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := rs.Detect(tt.output)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, m.Rule)
			assert.Equal(t, tt.wantResp, m.Response)
		})
	}
}

func TestDetectNoPrompt(t *testing.T) {
	rs := NewRuleSet(DefaultRules()...)
	for _, out := range []string{"", "running tests...\nok  \tpkg\t0.12s", "Yes, I will proceed"} {
		_, ok := rs.Detect(out)
		assert.False(t, ok, out)
	}
	var nilSet *RuleSet
	_, ok := nilSet.Detect("Do you want to proceed?")
	assert.False(t, ok)
}

func TestFromConfigOverridesAndAppends(t *testing.T) {
	rs, err := FromConfig([]config.PromptRuleConfig{
		{Name: "continue", Patterns: []string{`hit return`}, Response: "", Description: "custom continue"},
		{Name: "trust_folder", Patterns: []string{`Do you trust the files in this folder\?`}, Response: "1"},
	})
	require.NoError(t, err)

	rules := rs.Rules()
	require.Len(t, rules, 5)
	assert.Equal(t, "gitignore_add", rules[2].Name)
	assert.Equal(t, "continue", rules[3].Name)
	assert.Equal(t, "trust_folder", rules[4].Name)

	_, ok := rs.Detect("Press Enter to continue")
	assert.False(t, ok, "built-in continue patterns were replaced")

	m, ok := rs.Detect("Hit Return")
	require.True(t, ok)
	assert.Equal(t, "custom continue", m.Description)

	m, ok = rs.Detect("Do you trust the files in this folder?")
	require.True(t, ok)
	assert.Equal(t, "trust_folder", m.Rule)

	_, err = FromConfig([]config.PromptRuleConfig{{Name: "bad", Patterns: []string{`(`}}})
	assert.Error(t, err)
}

func TestFirstRuleWins(t *testing.T) {
	a, err := Compile("a", "x", "", `proceed`)
	require.NoError(t, err)
	b, err := Compile("b", "y", "", `proceed`)
	require.NoError(t, err)

	m, ok := NewRuleSet(a, b).Detect("proceed?")
	require.True(t, ok)
	assert.Equal(t, "a", m.Rule)
}
