package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/bcnelson/tontine-manager/internal/repository"
	"github.com/bcnelson/tontine-manager/internal/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MembershipService creates groups and manages who belongs to them.
type MembershipService struct {
	repo    *repository.Repository
	gateway ledger.Gateway
	sealer  SecretSealer
	logger  *slog.Logger
	now     func() time.Time
}

// NewMembershipService creates a new MembershipService.
func NewMembershipService(repo *repository.Repository, gateway ledger.Gateway, sealer SecretSealer, logger *slog.Logger) *MembershipService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipService{
		repo:    repo,
		gateway: gateway,
		sealer:  sealer,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateGroup validates req, allocates the group wallet with its trustline
// and persists the group with the creator as first member.
//
// The wallet is allocated before anything is written. If a concurrent
// create takes the name between the pre-check and the write, the new wallet
// is left unused.
func (s *MembershipService) CreateGroup(ctx context.Context, req *domain.CreateGroupRequest) (*domain.Group, error) {
	if err := validation.ValidateCreateGroup(req); err != nil {
		return nil, err
	}

	groups, err := s.repo.Groups(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := repository.FindGroupByName(groups, req.Name); exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateName, req.Name)
	}

	cred, err := s.gateway.NewWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating group wallet: %w", err)
	}
	if _, err := s.gateway.EnsureTrustline(ctx, cred); err != nil {
		s.logger.Warn("group wallet left without trustline", "address", cred.Address, "error", err)
		return nil, fmt.Errorf("setting up group wallet trustline: %w", err)
	}
	sealed, err := s.sealer.Seal(cred.Address, cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("sealing wallet secret: %w", err)
	}

	now := s.now().UTC()
	group := &domain.Group{
		ID:            uuid.New().String(),
		Name:          req.Name,
		CycleSize:     req.CycleSize,
		Destination:   req.Destination,
		ScheduledTime: req.ScheduledTime.UTC(),
		Wallet:        domain.Wallet{Address: cred.Address, SealedSecret: sealed},
		Members:       []string{req.CreatorID},
		Status:        domain.GroupStatusActive,
		CreatedBy:     req.CreatorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var saved *domain.Group
	err = s.repo.MutateGroups(ctx, func(groups []*domain.Group) ([]*domain.Group, error) {
		if _, exists := repository.FindGroupByName(groups, req.Name); exists {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateName, req.Name)
		}
		saved = group.Clone()
		return []*domain.Group{saved}, nil
	})
	if err != nil {
		s.logger.Warn("group wallet orphaned", "address", cred.Address, "name", req.Name, "error", err)
		return nil, err
	}

	s.logger.Info("group created", "group_id", saved.ID, "name", saved.Name, "wallet", saved.Wallet.Address)
	return saved, nil
}

// JoinGroup appends userID to the group's members.
func (s *MembershipService) JoinGroup(ctx context.Context, groupID, userID string) (*domain.Group, error) {
	resp, err := s.Join(ctx, groupID, &domain.JoinGroupRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	return resp.Group, nil
}

// JoinGroupWithTrustline ensures the group wallet trustline before joining.
// If the trustline step fails, membership is left unchanged and the error
// wraps domain.ErrTrustlineFailed.
func (s *MembershipService) JoinGroupWithTrustline(ctx context.Context, groupID, userID string) (*domain.Group, *domain.TrustlineStatus, error) {
	resp, err := s.Join(ctx, groupID, &domain.JoinGroupRequest{UserID: userID, Trustline: true})
	if err != nil {
		return nil, nil, err
	}
	return resp.Group, resp.Trustline, nil
}

// Join applies a join request. When req.IfVersion is set, the group must
// still be at that version when the member is written; otherwise the join
// fails with a *domain.StaleVersionError.
func (s *MembershipService) Join(ctx context.Context, groupID string, req *domain.JoinGroupRequest) (*domain.JoinGroupResponse, error) {
	if err := validation.ValidateJoin(groupID, req.UserID); err != nil {
		return nil, err
	}

	resp := &domain.JoinGroupResponse{}
	if req.Trustline {
		group, err := s.repo.Group(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if err := checkVersion(group, req.IfVersion); err != nil {
			return nil, err
		}
		if err := checkJoinable(group, req.UserID); err != nil {
			return nil, err
		}
		if resp.Trustline, err = s.ensureTrustline(ctx, group); err != nil {
			return nil, err
		}
	}

	group, err := s.appendMember(ctx, groupID, req.UserID, req.IfVersion)
	if err != nil {
		return nil, err
	}
	resp.Group = group
	if resp.Trustline != nil {
		s.logger.Info("member joined with trustline", "group_id", groupID, "user_id", req.UserID, "trustline_existed", resp.Trustline.Existed)
	} else {
		s.logger.Info("member joined", "group_id", groupID, "user_id", req.UserID)
	}
	return resp, nil
}

// RemoveMember deletes userID from the group's members.
func (s *MembershipService) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := validation.ValidateJoin(groupID, userID); err != nil {
		return err
	}
	err := s.repo.MutateGroups(ctx, func(groups []*domain.Group) ([]*domain.Group, error) {
		g, err := repository.FindGroup(groups, groupID)
		if err != nil {
			return nil, err
		}
		if err := g.RemoveMember(userID); err != nil {
			return nil, err
		}
		g.UpdatedAt = s.now().UTC()
		return []*domain.Group{g}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("member removed", "group_id", groupID, "user_id", userID)
	return nil
}

// RecordContribution pays amount from the payer wallet into the group
// wallet on behalf of member userID and records the payment on the group.
//
// Only members of an active group may contribute. The payment is made
// before anything is written; once the ledger accepts it the contribution
// is recorded even if the member left or the group settled meanwhile.
func (s *MembershipService) RecordContribution(ctx context.Context, groupID, userID string, payer ledger.Credential, amount decimal.Decimal) (*domain.ContributionResponse, error) {
	req := &domain.ContributionRequest{UserID: userID, PayerAddress: payer.Address, PayerSecret: payer.Secret, Amount: amount}
	if err := validation.ValidateContribution(groupID, req); err != nil {
		return nil, err
	}

	group, err := s.repo.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status == domain.GroupStatusCompleted {
		return nil, fmt.Errorf("%w: group %s no longer takes contributions", domain.ErrAlreadyCompleted, groupID)
	}
	if !group.HasMember(userID) {
		return nil, fmt.Errorf("%w: %s in group %s", domain.ErrNotMember, userID, groupID)
	}

	logger := s.logger.With("group_id", groupID, "user_id", userID, "payer", payer)
	receipt, err := s.gateway.Transfer(ctx, payer, group.Wallet.Address, amount)
	switch {
	case ledger.Ambiguous(receipt, err):
		logger.Warn("contribution submitted without a final result", "amount", amount, "tx_hash", receipt.TxHash, "error", err)
		return nil, fmt.Errorf("contribution %s awaiting confirmation: %w", receipt.TxHash, err)
	case err != nil:
		logger.Warn("contribution transfer failed", "amount", amount, "error", err)
		return nil, fmt.Errorf("paying into group %s: %w", groupID, err)
	case receipt == nil || !receipt.Success:
		return nil, fmt.Errorf("%w: contribution not accepted", ledger.ErrRejected)
	}

	paid := domain.Contribution{UserID: userID, Amount: amount, TxHash: receipt.TxHash, PaidAt: s.now().UTC()}
	var saved *domain.Group
	err = s.repo.MutateGroups(ctx, func(groups []*domain.Group) ([]*domain.Group, error) {
		g, err := repository.FindGroup(groups, groupID)
		if err != nil {
			return nil, err
		}
		g.Contributions = append(g.Contributions, paid)
		g.UpdatedAt = paid.PaidAt
		saved = g
		return []*domain.Group{g}, nil
	})
	if err != nil {
		logger.Error("contribution paid but not recorded", "tx_hash", receipt.TxHash, "error", err)
		return nil, err
	}

	logger.Info("contribution recorded", "amount", amount, "tx_hash", receipt.TxHash, "all_paid", saved.AllPaid())
	return &domain.ContributionResponse{
		GroupID: groupID,
		UserID:  userID,
		Receipt: receipt,
		AllPaid: saved.AllPaid(),
	}, nil
}

// ListGroupsForUser returns the groups userID belongs to.
func (s *MembershipService) ListGroupsForUser(ctx context.Context, userID string) ([]domain.GroupSummary, error) {
	groups, err := s.repo.Groups(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.GroupSummary, 0)
	for _, g := range groups {
		if g.HasMember(userID) {
			summaries = append(summaries, g.Summary())
		}
	}
	return summaries, nil
}

// GetGroupDetail returns one group.
func (s *MembershipService) GetGroupDetail(ctx context.Context, groupID string) (*domain.Group, error) {
	return s.repo.Group(ctx, groupID)
}

// EnsureGroupTrustline makes sure the group wallet can hold the stable asset.
func (s *MembershipService) EnsureGroupTrustline(ctx context.Context, groupID string) (*domain.TrustlineStatus, error) {
	group, err := s.repo.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.ensureTrustline(ctx, group)
}

// GroupBalance returns the stable-asset balance of the group wallet.
func (s *MembershipService) GroupBalance(ctx context.Context, groupID string) (*domain.BalanceResponse, error) {
	group, err := s.repo.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	balance, err := s.gateway.BalanceOf(ctx, group.Wallet.Address)
	if err != nil {
		return nil, fmt.Errorf("reading balance of group %s: %w", groupID, err)
	}
	return &domain.BalanceResponse{GroupID: group.ID, Address: group.Wallet.Address, Balance: balance}, nil
}

// ListSettlements returns the transfer attempts recorded for a group.
func (s *MembershipService) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	if _, err := s.repo.Group(ctx, groupID); err != nil {
		return nil, err
	}
	return s.repo.ListSettlements(ctx, groupID)
}

func (s *MembershipService) ensureTrustline(ctx context.Context, group *domain.Group) (*domain.TrustlineStatus, error) {
	cred, err := credential(s.sealer, group)
	if err != nil {
		return nil, err
	}
	result, err := s.gateway.EnsureTrustline(ctx, cred)
	if err != nil {
		s.logger.Warn("trustline setup failed", "group_id", group.ID, "wallet", cred, "error", err)
		return nil, fmt.Errorf("%w: group %s: %w", domain.ErrTrustlineFailed, group.ID, err)
	}
	return &domain.TrustlineStatus{Existed: result.Existed, Code: result.Code, TxHash: result.TxHash}, nil
}

func (s *MembershipService) appendMember(ctx context.Context, groupID, userID string, ifVersion int64) (*domain.Group, error) {
	var joined *domain.Group
	err := s.repo.MutateGroups(ctx, func(groups []*domain.Group) ([]*domain.Group, error) {
		g, err := repository.FindGroup(groups, groupID)
		if err != nil {
			return nil, err
		}
		if err := checkVersion(g, ifVersion); err != nil {
			return nil, err
		}
		if err := checkJoinable(g, userID); err != nil {
			return nil, err
		}
		if err := g.AddMember(userID); err != nil {
			return nil, err
		}
		g.UpdatedAt = s.now().UTC()
		joined = g
		return []*domain.Group{g}, nil
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// checkVersion enforces a conditional write. ifVersion 0 means none.
func checkVersion(g *domain.Group, ifVersion int64) error {
	if ifVersion != 0 && g.Version != ifVersion {
		return &domain.StaleVersionError{Resource: "group", ID: g.ID, Current: g.Version}
	}
	return nil
}

// checkJoinable rejects joins to settled groups and repeated joins.
func checkJoinable(g *domain.Group, userID string) error {
	if g.Status == domain.GroupStatusCompleted {
		return fmt.Errorf("%w: group %s no longer accepts members", domain.ErrAlreadyCompleted, g.ID)
	}
	if g.HasMember(userID) {
		return fmt.Errorf("%w: %s in group %s", domain.ErrAlreadyMember, userID, g.ID)
	}
	return nil
}
