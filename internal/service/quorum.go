package service

import "github.com/ledgerkit/be-approvals/internal/repository"

// QuorumEvaluator decides whether a level has collected enough approvals.
// Rejection is not a counting decision: a single rejecting step finalizes the
// whole request synchronously inside Reject, so only approval counts here.
type QuorumEvaluator struct{}

// NewQuorumEvaluator creates a new QuorumEvaluator.
func NewQuorumEvaluator() *QuorumEvaluator {
	return &QuorumEvaluator{}
}

// Satisfied reports whether the level's quorum is met by the given steps.
// Steps belonging to other levels are ignored. A MinApprovers of zero or below
// is treated as 1.
func (q *QuorumEvaluator) Satisfied(level repository.ChainLevel, steps []*repository.Step) bool {
	return q.ApprovedCount(level, steps) >= quorum(level)
}

// ApprovedCount returns the number of APPROVED steps at the level.
func (q *QuorumEvaluator) ApprovedCount(level repository.ChainLevel, steps []*repository.Step) int {
	count := 0
	for _, s := range steps {
		if s.LevelNumber == level.LevelNumber && s.Status == repository.StepStatusApproved {
			count++
		}
	}
	return count
}

func quorum(level repository.ChainLevel) int {
	if level.MinApprovers < 1 {
		return 1
	}
	return level.MinApprovers
}
