// Package prompt renders the Developer and Acceptor prompt contracts
// (spec §4.6.1, §4.6.2) from project documents and round context.
//
// Grounded on the teacher's agents.Spawner.renderPrompt: a text/template
// tree with a custom FuncMap (title/upper/lower/join, with title
// via golang.org/x/text/cases), generalized from the teacher's
// one-template-per-agent-type file layout to Anima's two fixed
// contracts, since the spec defines exactly two prompt shapes rather
// than a per-pipeline-stage set.
package prompt

import (
	"bytes"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var funcs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// DeveloperData is the context injected into the developer prompt per
// §4.6.1, concatenated in the order the template lists them.
type DeveloperData struct {
	VisionDoc          string
	SoulDoc            string
	MilestoneDoc       string
	MemoryDoc          string // optional, per-project
	BranchName         string
	RoundIndex         int
	CompletedFeatures  []string
	RepairReason       string // set only on a repair round
	IsRecovery         bool
	RecoveryIterations int
	RecoveryCommitLog  []string
	RecoveryMemory     string
}

const developerTemplate = `You are the Developer agent working on branch {{.BranchName}}, round {{.RoundIndex}}.

# Project vision
{{.VisionDoc}}

# Project soul
{{.SoulDoc}}

# Milestone
{{.MilestoneDoc}}
{{if .MemoryDoc}}
# Project memory
{{.MemoryDoc}}
{{end}}
# Already complete
{{if .CompletedFeatures}}{{range .CompletedFeatures}}- {{.}}
{{end}}{{else}}(none yet){{end}}
{{if .RepairReason}}
# Previous round was rejected
{{.RepairReason}}
{{end}}
{{if .IsRecovery}}
# Resumption
This is a resumed session after a restart. You are at iteration {{.RecoveryIterations}}.
Commits so far:
{{range .RecoveryCommitLog}}- {{.}}
{{end}}
{{if .RecoveryMemory}}Memory: {{.RecoveryMemory}}{{end}}
{{end}}
Implement the next not-yet-done feature. Run the project's lint, type, and
test checks. Commit your change with a conventional-commit message on the
current branch. Reply with a structured report of what you did and which
commit(s) you made.

If every feature in the milestone is complete, reply with exactly
ALL_FEATURES_COMPLETE
followed by a line "Commits:" and the list of commit hashes for this milestone.
`

// RoundAcceptorData is the context injected into a per-round acceptor
// prompt per §4.6.2.
type RoundAcceptorData struct {
	SoulDoc           string
	AcceptanceCriterion string
	CommitHash        string
}

const roundAcceptorTemplate = `You are the Acceptor agent reviewing one round of work.

# Project soul
{{.SoulDoc}}

# Criterion under review
{{.AcceptanceCriterion}}

# Commit to inspect
{{.CommitHash}}

Inspect the actual change using version-control commands (diff, show). Reply
with exactly one of:
ACCEPTED
REJECTED: <reason referencing which criterion failed>
`

// FinalReviewData is the context injected into the milestone final-review
// acceptor prompt per §4.6.2.
type FinalReviewData struct {
	SoulDoc            string
	AcceptanceCriteria []string
	Commits            []string
}

const finalReviewTemplate = `You are the Acceptor agent performing the final review for this milestone.

# Project soul
{{.SoulDoc}}

# Acceptance criteria
{{range .AcceptanceCriteria}}- {{.}}
{{end}}

# Commits since baseCommit
{{range .Commits}}- {{.}}
{{end}}

Reply with exactly one of:
ACCEPTED
REJECTED: <missing criteria and why>
`

func render(name, tmplText string, data any) (string, error) {
	t, err := template.New(name).Funcs(funcs).Parse(tmplText)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Developer renders the developer prompt contract.
func Developer(data DeveloperData) (string, error) {
	return render("developer", developerTemplate, data)
}

// RoundAcceptor renders the per-round acceptor prompt contract.
func RoundAcceptor(data RoundAcceptorData) (string, error) {
	return render("round-acceptor", roundAcceptorTemplate, data)
}

// FinalReview renders the milestone final-review acceptor prompt contract.
func FinalReview(data FinalReviewData) (string, error) {
	return render("final-review", finalReviewTemplate, data)
}
