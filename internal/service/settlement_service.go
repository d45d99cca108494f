package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/bcnelson/tontine-manager/internal/metrics"
	"github.com/bcnelson/tontine-manager/internal/repository"
	"github.com/google/uuid"
)

// SettlementService pays out due groups.
type SettlementService struct {
	repo    *repository.Repository
	gateway ledger.Gateway
	sealer  SecretSealer
	logger  *slog.Logger

	// One pass at a time per process; overlapping passes would read the
	// same balance and submit the payment twice.
	mu sync.Mutex
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(repo *repository.Repository, gateway ledger.Gateway, sealer SecretSealer, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		repo:    repo,
		gateway: gateway,
		sealer:  sealer,
		logger:  logger,
	}
}

// RunSettlementPass transfers the wallet balance of every due group to its
// destination and marks the paid groups completed.
//
// Groups are handled one after another and a failure in one group never
// stops the others. Completions are written in a single mutation at the end
// of the pass. If that write fails, the affected outcomes are reported as
// persist_failed and an error is returned; their transfers already happened
// and the groups are reconciled from the settlement history on the next pass.
//
// A payment that was submitted without a final result stays pending in the
// history. Later passes look it up by hash before touching the balance.
func (s *SettlementService) RunSettlementPass(ctx context.Context, now time.Time) ([]domain.SettlementOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { metrics.RecordSettlementPass(time.Since(start)) }()

	groups, err := s.repo.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading groups: %w", err)
	}
	paid, unconfirmed := s.settlementHistory(ctx)

	outcomes := make([]domain.SettlementOutcome, 0)
	completions := make(map[string]*domain.Receipt)
	for _, g := range groups {
		if !g.IsDue(now) {
			continue
		}
		var outcome domain.SettlementOutcome
		if prior, ok := paid[g.ID]; ok {
			outcome = s.reconcile(g, prior)
		} else if open, ok := unconfirmed[g.ID]; ok {
			outcome = s.resolveUnconfirmed(ctx, g, open, now)
		}
		if outcome.Status == "" {
			outcome = s.settleGroup(ctx, g, now)
		}
		if outcome.Status == domain.OutcomeCompleted {
			completions[g.ID] = outcome.Receipt
		}
		outcomes = append(outcomes, outcome)
	}

	var persistErr error
	if len(completions) > 0 {
		persistErr = s.repo.MutateGroups(ctx, func(groups []*domain.Group) ([]*domain.Group, error) {
			var changed []*domain.Group
			for _, g := range groups {
				receipt, ok := completions[g.ID]
				if !ok || g.Status == domain.GroupStatusCompleted {
					continue
				}
				if err := g.Complete(now, receipt); err != nil {
					return nil, err
				}
				g.UpdatedAt = now.UTC()
				changed = append(changed, g)
			}
			return changed, nil
		})
		if persistErr != nil {
			s.logger.Error("failed to persist settlement results", "groups", len(completions), "error", persistErr)
			for i := range outcomes {
				if outcomes[i].Status == domain.OutcomeCompleted {
					outcomes[i].Status = domain.OutcomePersistFailed
					outcomes[i].Error = persistErr.Error()
				}
			}
		}
	}

	for _, o := range outcomes {
		metrics.RecordSettlementOutcome(string(o.Status))
	}
	s.logger.Info("settlement pass finished", "due", len(outcomes), "completed", len(completions), "duration", time.Since(start))

	if persistErr != nil {
		return outcomes, fmt.Errorf("persisting settlement results: %w", persistErr)
	}
	return outcomes, nil
}

// settleGroup runs balance check, trustline ensure and transfer for one
// due group. It never returns an error; failures are carried in the outcome.
func (s *SettlementService) settleGroup(ctx context.Context, g *domain.Group, now time.Time) domain.SettlementOutcome {
	outcome := domain.SettlementOutcome{GroupID: g.ID}
	logger := s.logger.With("group_id", g.ID, "wallet", g.Wallet.Address)

	balance, err := s.gateway.BalanceOf(ctx, g.Wallet.Address)
	if err != nil {
		logger.Warn("balance check failed", "error", err)
		return failed(outcome, err)
	}
	outcome.Balance = balance
	if !balance.IsPositive() {
		logger.Info("group not funded, skipping")
		outcome.Status = domain.OutcomeNotFunded
		return outcome
	}

	cred, err := credential(s.sealer, g)
	if err != nil {
		logger.Error("cannot open group wallet", "error", err)
		return failed(outcome, err)
	}
	if _, err := s.gateway.EnsureTrustline(ctx, cred); err != nil {
		logger.Warn("trustline check failed", "error", err)
		return failed(outcome, err)
	}

	record := &domain.Settlement{
		ID:          uuid.New().String(),
		GroupID:     g.ID,
		Amount:      balance,
		Destination: g.Destination,
		Status:      domain.SettlementPending,
		CreatedAt:   now.UTC(),
	}
	if err := s.repo.AppendSettlement(ctx, record); err != nil {
		logger.Warn("failed to record settlement attempt", "error", err)
		record = nil
	}

	receipt, err := s.gateway.Transfer(ctx, cred, g.Destination, balance)
	outcome.Receipt = receipt
	switch {
	case ledger.Ambiguous(receipt, err):
		logger.Warn("transfer submitted without a final result", "amount", balance, "tx_hash", receipt.TxHash, "error", err)
		outcome.Status = domain.OutcomeUnconfirmed
		outcome.Error = err.Error()
		if record != nil {
			record.TxHash = receipt.TxHash
			record.Error = err.Error()
			if err := s.repo.UpdateSettlement(ctx, record); err != nil {
				logger.Warn("failed to update settlement record", "settlement_id", record.ID, "error", err)
			}
		}
		return outcome
	case err != nil:
		logger.Warn("transfer failed", "amount", balance, "error", err)
		outcome = failed(outcome, err)
	case receipt == nil || !receipt.Success:
		err = fmt.Errorf("%w: transfer not accepted", ledger.ErrRejected)
		if receipt != nil {
			err = fmt.Errorf("%w: transfer finished with %s", ledger.ErrRejected, receipt.Code)
		}
		logger.Warn("transfer rejected", "amount", balance, "error", err)
		outcome = failed(outcome, err)
	default:
		logger.Info("group settled", "amount", balance, "tx_hash", receipt.TxHash, "destination", g.Destination)
		outcome.Status = domain.OutcomeCompleted
	}

	if record != nil {
		s.finishRecord(ctx, record, receipt, err, now)
	}
	return outcome
}

// reconcile completes a group whose transfer succeeded in an earlier pass
// without the completion reaching the store.
func (s *SettlementService) reconcile(g *domain.Group, prior *domain.Settlement) domain.SettlementOutcome {
	s.logger.Info("completing group from settlement history", "group_id", g.ID, "settlement_id", prior.ID, "tx_hash", prior.TxHash)
	return domain.SettlementOutcome{
		GroupID: g.ID,
		Status:  domain.OutcomeCompleted,
		Balance: prior.Amount,
		Receipt: &domain.Receipt{
			Success: true,
			Code:    prior.Code,
			TxHash:  prior.TxHash,
			Amount:  prior.Amount,
		},
	}
}

// resolveUnconfirmed looks up a payment left pending by an earlier pass.
// A validated success completes the group from the record. A validated
// failure closes the record and returns an empty outcome so the group is
// settled afresh. Anything else keeps the group waiting.
func (s *SettlementService) resolveUnconfirmed(ctx context.Context, g *domain.Group, open *domain.Settlement, now time.Time) domain.SettlementOutcome {
	logger := s.logger.With("group_id", g.ID, "settlement_id", open.ID, "tx_hash", open.TxHash)

	receipt, err := s.gateway.TransferStatus(ctx, open.TxHash)
	switch {
	case err == nil && receipt != nil && receipt.Success:
		if receipt.Amount.IsZero() {
			receipt.Amount = open.Amount
		}
		open.Amount = receipt.Amount
		s.finishRecord(ctx, open, receipt, nil, now)
		logger.Info("pending transfer confirmed")
		return s.reconcile(g, open)
	case receipt != nil && errors.Is(err, ledger.ErrRejected):
		logger.Warn("pending transfer failed on the ledger", "code", receipt.Code)
		s.finishRecord(ctx, open, receipt, err, now)
		return domain.SettlementOutcome{}
	default:
		if err == nil {
			err = fmt.Errorf("%w: transaction %s", ledger.ErrUnconfirmed, open.TxHash)
		}
		logger.Info("transfer still awaiting confirmation", "error", err)
		return domain.SettlementOutcome{
			GroupID: g.ID,
			Status:  domain.OutcomeUnconfirmed,
			Balance: open.Amount,
			Error:   err.Error(),
		}
	}
}

// settlementHistory indexes settlement records by group: the successful
// ones, and the latest pending one that carries a transaction hash.
// Without history the pass still runs, only reconciliation is skipped.
func (s *SettlementService) settlementHistory(ctx context.Context) (paid, unconfirmed map[string]*domain.Settlement) {
	paid = make(map[string]*domain.Settlement)
	unconfirmed = make(map[string]*domain.Settlement)
	records, err := s.repo.ListSettlements(ctx, "")
	if err != nil {
		s.logger.Warn("settlement history unavailable", "error", err)
		return paid, unconfirmed
	}
	for _, r := range records {
		switch {
		case r.Status == domain.SettlementSuccess:
			paid[r.GroupID] = r
		case r.Status == domain.SettlementPending && r.TxHash != "":
			unconfirmed[r.GroupID] = r
		}
	}
	return paid, unconfirmed
}

func (s *SettlementService) finishRecord(ctx context.Context, record *domain.Settlement, receipt *domain.Receipt, transferErr error, now time.Time) {
	at := now.UTC()
	record.CompletedAt = &at
	if receipt != nil {
		record.Code = receipt.Code
		record.TxHash = receipt.TxHash
	}
	if transferErr != nil {
		record.Status = domain.SettlementFailed
		record.Error = transferErr.Error()
	} else {
		record.Status = domain.SettlementSuccess
	}
	if err := s.repo.UpdateSettlement(ctx, record); err != nil {
		s.logger.Warn("failed to update settlement record", "settlement_id", record.ID, "error", err)
	}
}

func failed(o domain.SettlementOutcome, err error) domain.SettlementOutcome {
	o.Status = domain.OutcomeFailed
	o.Error = err.Error()
	return o
}
