package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeveloperRendersCoreSections(t *testing.T) {
	out, err := Developer(DeveloperData{
		VisionDoc:         "Build a great thing",
		SoulDoc:           "Be kind to the codebase",
		MilestoneDoc:      "Ship the login page",
		BranchName:        "milestone/m1",
		RoundIndex:        2,
		CompletedFeatures: []string{"signup form"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "branch milestone/m1, round 2")
	assert.Contains(t, out, "Build a great thing")
	assert.Contains(t, out, "Be kind to the codebase")
	assert.Contains(t, out, "Ship the login page")
	assert.Contains(t, out, "- signup form")
	assert.NotContains(t, out, "# Resumption")
}

func TestDeveloperOmitsOptionalSectionsWhenEmpty(t *testing.T) {
	out, err := Developer(DeveloperData{BranchName: "milestone/m1"})
	require.NoError(t, err)
	assert.Contains(t, out, "(none yet)")
	assert.NotContains(t, out, "# Project memory")
	assert.NotContains(t, out, "# Previous round was rejected")
}

func TestDeveloperRecoverySection(t *testing.T) {
	out, err := Developer(DeveloperData{
		BranchName:         "milestone/m1",
		IsRecovery:         true,
		RecoveryIterations: 3,
		RecoveryCommitLog:  []string{"abc123 add login form"},
		RecoveryMemory:     "watch out for flaky auth test",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "# Resumption")
	assert.Contains(t, out, "iteration 3")
	assert.Contains(t, out, "abc123 add login form")
	assert.Contains(t, out, "watch out for flaky auth test")
}

func TestRoundAcceptorRenders(t *testing.T) {
	out, err := RoundAcceptor(RoundAcceptorData{
		SoulDoc:             "Be rigorous",
		AcceptanceCriterion: "Login works with valid credentials",
		CommitHash:          "deadbeef",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Be rigorous")
	assert.Contains(t, out, "Login works with valid credentials")
	assert.Contains(t, out, "deadbeef")
}

func TestFinalReviewRendersAllCriteriaAndCommits(t *testing.T) {
	out, err := FinalReview(FinalReviewData{
		SoulDoc:            "Be rigorous",
		AcceptanceCriteria: []string{"criterion one", "criterion two"},
		Commits:            []string{"aaa111", "bbb222"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "- criterion one")
	assert.Contains(t, out, "- criterion two")
	assert.Contains(t, out, "- aaa111")
	assert.Contains(t, out, "- bbb222")
}
