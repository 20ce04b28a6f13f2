package service

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// ChainService owns approval chain definitions: structural validation,
// default-chain uniqueness, and threshold-based level selection.
type ChainService struct {
	store repository.ApprovalStore
	log   zerolog.Logger
}

// NewChainService creates a new ChainService.
func NewChainService(store repository.ApprovalStore, log zerolog.Logger) *ChainService {
	return &ChainService{store: store, log: log}
}

// CreateChain validates and persists a new chain. A chain may be created with
// zero levels (levels can be added later); submission against it will fail
// until levels exist.
func (s *ChainService) CreateChain(ctx context.Context, chain *repository.Chain) error {
	if chain.TenantID == "" {
		return apperr.InvalidInput("tenant_id", "tenant id is required")
	}
	if chain.EntityType == "" {
		return apperr.InvalidInput("entity_type", "entity type is required")
	}
	if err := validateLevels(chain.Levels); err != nil {
		return err
	}

	if err := s.store.CreateChain(ctx, chain); err != nil {
		return err
	}

	s.log.Info().
		Str("tenant_id", chain.TenantID).
		Str("chain_id", chain.ID).
		Str("entity_type", string(chain.EntityType)).
		Int("levels", len(chain.Levels)).
		Bool("is_default", chain.IsDefault).
		Msg("Approval chain created")
	return nil
}

// UpdateChain re-validates level contiguity and persists the chain. In-flight
// requests are not touched: the engine reads authoritative level definitions
// at evaluation time, so an edit changes behavior only for levels a given
// request has not yet reached.
func (s *ChainService) UpdateChain(ctx context.Context, chain *repository.Chain) error {
	if err := validateLevels(chain.Levels); err != nil {
		return err
	}
	return s.store.UpdateChain(ctx, chain)
}

// DeleteChain removes a chain unless any non-terminal request references it.
func (s *ChainService) DeleteChain(ctx context.Context, tenantID, chainID string) error {
	if _, err := s.store.GetChain(ctx, tenantID, chainID); err != nil {
		return err
	}
	inUse, err := s.store.HasOpenRequestsForChain(ctx, tenantID, chainID)
	if err != nil {
		return err
	}
	if inUse {
		return apperr.Newf(apperr.CodeChainInUse,
			"chain %q has open approval requests and cannot be deleted", chainID)
	}
	return s.store.DeleteChain(ctx, tenantID, chainID)
}

// SetDefaultChain makes the chain the sole default for its tenant+entity type.
func (s *ChainService) SetDefaultChain(ctx context.Context, tenantID, chainID string) error {
	return s.store.SetDefaultChain(ctx, tenantID, chainID)
}

// GetChain returns one chain.
func (s *ChainService) GetChain(ctx context.Context, tenantID, chainID string) (*repository.Chain, error) {
	return s.store.GetChain(ctx, tenantID, chainID)
}

// ListChains returns all chains for a tenant and entity type.
func (s *ChainService) ListChains(ctx context.Context, tenantID string, entityType repository.EntityType) ([]*repository.Chain, error) {
	return s.store.ListChains(ctx, tenantID, entityType)
}

// ApplicableLevels returns, in level order, the subsequence of the chain's
// levels that apply to an entity of the given value. Levels without thresholds
// always apply; thresholded levels apply when the value falls in
// [threshold_min, threshold_max), open bounds unbounded.
func (s *ChainService) ApplicableLevels(chain *repository.Chain, entityValue int64) ([]repository.ChainLevel, error) {
	if len(chain.Levels) == 0 {
		return nil, apperr.Newf(apperr.CodeNoLevelsDefined,
			"chain %q has no levels defined", chain.ID)
	}

	thresholded := false
	var out []repository.ChainLevel
	for _, lvl := range chain.Levels {
		if lvl.HasThreshold() {
			thresholded = true
		}
		if lvl.Applies(entityValue) {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelNumber < out[j].LevelNumber })

	if len(out) == 0 {
		if thresholded {
			return nil, apperr.Newf(apperr.CodeNoApplicableLevel,
				"no level of chain %q applies to value %d", chain.ID, entityValue)
		}
		// Unreachable: levels without thresholds always apply.
		return nil, apperr.Newf(apperr.CodeNoLevelsDefined, "chain %q has no applicable levels", chain.ID)
	}
	return out, nil
}

// validateLevels enforces 1..N contiguous level numbering with no duplicates,
// plus per-level structural checks.
func validateLevels(levels []repository.ChainLevel) error {
	seen := make(map[int]bool, len(levels))
	for _, lvl := range levels {
		if seen[lvl.LevelNumber] {
			return apperr.Newf(apperr.CodeInvalidChainStructure,
				"duplicate level number %d", lvl.LevelNumber)
		}
		seen[lvl.LevelNumber] = true

		if lvl.ThresholdMin != nil && lvl.ThresholdMax != nil && *lvl.ThresholdMin >= *lvl.ThresholdMax {
			return apperr.Newf(apperr.CodeInvalidChainStructure,
				"level %d threshold range [%d, %d) is empty", lvl.LevelNumber, *lvl.ThresholdMin, *lvl.ThresholdMax)
		}
		switch lvl.ApproverType {
		case repository.ApproverTypeRole:
			if lvl.ApproverRole == "" {
				return apperr.Newf(apperr.CodeInvalidChainStructure,
					"level %d declares a role approver without a role", lvl.LevelNumber)
			}
		case repository.ApproverTypeUser:
			if lvl.ApproverUserID == "" {
				return apperr.Newf(apperr.CodeInvalidChainStructure,
					"level %d declares a user approver without a user id", lvl.LevelNumber)
			}
		default:
			return apperr.Newf(apperr.CodeInvalidChainStructure,
				"level %d has unknown approver type %q", lvl.LevelNumber, lvl.ApproverType)
		}
	}
	for n := 1; n <= len(levels); n++ {
		if !seen[n] {
			return apperr.Newf(apperr.CodeInvalidChainStructure,
				"level numbers must be contiguous from 1; missing level %d", n)
		}
	}
	for _, lvl := range levels {
		if lvl.EscalationLevel != nil && !seen[*lvl.EscalationLevel] {
			return apperr.Newf(apperr.CodeInvalidChainStructure,
				"level %d escalates to undefined level %d", lvl.LevelNumber, *lvl.EscalationLevel)
		}
	}
	return nil
}
