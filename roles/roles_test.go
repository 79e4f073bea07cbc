package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func genericModels(names ...string) []ModelProfile {
	models := make([]ModelProfile, 0, len(names))
	for _, n := range names {
		models = append(models, ModelProfile{Name: n, Provider: n})
	}
	return models
}

func TestAssignRoles_ProponentAndSkepticSeeded(t *testing.T) {
	a := NewAssigner(DefaultConfig(), zap.NewNop())

	got := a.AssignRoles("general", "should we expand into the european market", genericModels("gpt-4", "claude"))
	require.Len(t, got, 2)

	roles := map[RoleType]bool{}
	for _, asg := range got {
		roles[asg.Role] = true
		assert.GreaterOrEqual(t, asg.Confidence, DefaultConfig().MinConfidence)
		assert.NotEmpty(t, asg.Reason)
	}
	assert.True(t, roles[RoleProponent], "first generic model takes proponent")
	assert.True(t, roles[RoleSkeptic], "second generic model takes skeptic")
}

func TestAssignRoles_OneRolePerModel(t *testing.T) {
	a := NewAssigner(DefaultConfig(), zap.NewNop())

	got := a.AssignRoles("general", "plan review", genericModels("m1", "m2", "m3", "m4"))
	require.Len(t, got, 4)

	seenModels := map[string]bool{}
	seenRoles := map[RoleType]bool{}
	for _, asg := range got {
		assert.False(t, seenModels[asg.Model.Name], "model %s assigned twice", asg.Model.Name)
		assert.False(t, seenRoles[asg.Role], "role %s duplicated before catalog exhaustion", asg.Role)
		seenModels[asg.Model.Name] = true
		seenRoles[asg.Role] = true
	}
}

func TestAssignRoles_ReusesRolesAfterExhaustion(t *testing.T) {
	a := NewAssigner(DefaultConfig(), zap.NewNop())

	// Generic models only qualify for the four general roles; a fifth
	// candidate must reuse one rather than be dropped.
	got := a.AssignRoles("general", "plan review", genericModels("m1", "m2", "m3", "m4", "m5"))
	assert.Len(t, got, 5)
}

func TestAssignRoles_DomainSpecialistPreferred(t *testing.T) {
	a := NewAssigner(DefaultConfig(), zap.NewNop())

	cautious := ModelProfile{
		Name:      "claude",
		Provider:  "anthropic",
		Strengths: []string{"caution", "analysis"},
	}
	got := a.AssignRoles("finance", "review the investment budget and revenue risk", []ModelProfile{cautious})
	require.Len(t, got, 1)
	assert.Equal(t, RoleFinanceConservative, got[0].Role)
}

func TestAssignRoles_MinConfidenceSkips(t *testing.T) {
	a := NewAssigner(Config{MinConfidence: 0.95}, zap.NewNop())

	got := a.AssignRoles("general", "anything", genericModels("m1", "m2"))
	assert.Empty(t, got, "models below minimum confidence are skipped, not errors")
}

func TestAssignRoles_NoCandidates(t *testing.T) {
	a := NewAssigner(DefaultConfig(), zap.NewNop())
	assert.Empty(t, a.AssignRoles("general", "x", nil))
}

func TestScoreRole_StrengthsRaiseScore(t *testing.T) {
	spec := catalog[1] // skeptic
	weak := scoreRole(spec, ModelProfile{Name: "plain"}, "general", "")
	strong := scoreRole(spec, ModelProfile{
		Name:      "careful",
		Strengths: []string{"caution", "analysis", "critique"},
	}, "general", "")

	assert.Greater(t, strong, weak)
	assert.LessOrEqual(t, strong, 1.0)
}

func TestNewAssigner_InvalidConfigFallsBack(t *testing.T) {
	a := NewAssigner(Config{MinConfidence: -1}, nil)
	assert.InDelta(t, DefaultConfig().MinConfidence, a.config.MinConfidence, 1e-9)
}
