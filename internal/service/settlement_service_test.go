package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementPassPaysDueGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "250")

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, "250", outcomes[0].Balance.String())
	require.NotNil(t, outcomes[0].Receipt)
	assert.Equal(t, "tesSUCCESS", outcomes[0].Receipt.Code)

	require.Len(t, env.gateway.transfers, 1)
	assert.Equal(t, "rDest", env.gateway.transfers[0].Destination)
	assert.Equal(t, "250", env.gateway.transfers[0].Amount.String())

	stored, err := env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCompleted, stored.Status)
	require.NotNil(t, stored.TransferredAt)
	assert.True(t, stored.TransferredAt.Equal(now))
	require.NotNil(t, stored.TxResult)
	assert.Equal(t, "TX"+g.Wallet.Address, stored.TxResult.TxHash)

	history, err := env.membership.ListSettlements(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SettlementSuccess, history[0].Status)
	assert.Equal(t, "250", history[0].Amount.String())
}

func TestSettlementPassIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "10")

	_, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	env.gateway.fund(g.Wallet.Address, "10")

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, outcomes, "completed groups are never revisited")
	assert.Equal(t, 1, env.gateway.transferCount())
}

func TestSettlementPassSkipsUnfundedAndFutureGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	empty := env.createGroup(t, "Empty", past)
	later := env.createGroup(t, "Later", future)
	env.gateway.fund(later.Wallet.Address, "5")

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, empty.ID, outcomes[0].GroupID)
	assert.Equal(t, domain.OutcomeNotFunded, outcomes[0].Status)
	assert.Zero(t, env.gateway.transferCount())

	for _, id := range []string{empty.ID, later.ID} {
		stored, err := env.membership.GetGroupDetail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.GroupStatusActive, stored.Status)
	}

	// A skipped group is retried on every pass and pays out once funded.
	env.gateway.fund(empty.Wallet.Address, "12")
	outcomes, err = env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, empty.ID, outcomes[0].GroupID)
	assert.Equal(t, domain.OutcomeCompleted, outcomes[0].Status)
	require.Equal(t, 1, env.gateway.transferCount())
	assert.Equal(t, "12", env.gateway.transfers[0].Amount.String())

	stored, err := env.membership.GetGroupDetail(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCompleted, stored.Status)
}

func TestSettlementPassIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	broken := env.createGroup(t, "Broken", past)
	healthy := env.createGroup(t, "Healthy", past)
	env.gateway.fund(broken.Wallet.Address, "5")
	env.gateway.fund(healthy.Wallet.Address, "7")
	env.gateway.balanceErr[broken.Wallet.Address] = fmt.Errorf("%w: timeout", ledger.ErrGatewayUnavailable)

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byGroup := map[string]domain.SettlementOutcome{}
	for _, o := range outcomes {
		byGroup[o.GroupID] = o
	}
	assert.Equal(t, domain.OutcomeFailed, byGroup[broken.ID].Status)
	assert.NotEmpty(t, byGroup[broken.ID].Error)
	assert.Equal(t, domain.OutcomeCompleted, byGroup[healthy.ID].Status)

	stored, err := env.membership.GetGroupDetail(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusActive, stored.Status)
}

func TestSettlementPassRejectedTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "5")
	env.gateway.transferCode[g.Wallet.Address] = "tecPATH_DRY"

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "tecPATH_DRY")

	stored, err := env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusActive, stored.Status)

	history, err := env.membership.ListSettlements(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SettlementFailed, history[0].Status)
	assert.Equal(t, "tecPATH_DRY", history[0].Code)
}

func TestSettlementPassPersistFailureReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "9")

	env.store.setFail(true)
	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeStoreError, domain.KindOf(err))
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomePersistFailed, outcomes[0].Status)
	assert.Equal(t, 1, env.gateway.transferCount())

	stored, err := env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusActive, stored.Status)

	env.store.setFail(false)
	outcomes, err = env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, 1, env.gateway.transferCount(), "reconciliation must not pay twice")

	stored, err = env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCompleted, stored.Status)
	assert.Equal(t, "TX"+g.Wallet.Address, stored.TxResult.TxHash)
}

func TestSettlementPassKeepsConcurrentJoins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "3")

	// The join lands after the pass took its snapshot and before the
	// completion is written.
	env.gateway.onTransfer = func() {
		_, err := env.membership.JoinGroup(ctx, g.ID, "u2")
		assert.NoError(t, err)
	}
	_, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)

	stored, err := env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCompleted, stored.Status)
	assert.Equal(t, []string{"u1", "u2"}, stored.Members)
}

func TestSettlementPassConfirmsAmbiguousTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "30")
	env.gateway.ambiguous[g.Wallet.Address] = true

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeUnconfirmed, outcomes[0].Status)
	assert.True(t, env.gateway.balance(g.Wallet.Address).IsZero(), "funds left the wallet")

	history, err := env.membership.ListSettlements(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SettlementPending, history[0].Status)
	assert.Equal(t, "TX"+g.Wallet.Address, history[0].TxHash)

	stored, err := env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusActive, stored.Status)

	outcomes, err = env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, "30", outcomes[0].Balance.String())
	assert.Equal(t, 1, env.gateway.transferCount())

	stored, err = env.membership.GetGroupDetail(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCompleted, stored.Status)
	require.NotNil(t, stored.TxResult)
	assert.Equal(t, "TX"+g.Wallet.Address, stored.TxResult.TxHash)

	history, err = env.membership.ListSettlements(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SettlementSuccess, history[0].Status)
	assert.Equal(t, "tesSUCCESS", history[0].Code)

	outcomes, err = env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestSettlementPassWaitsOnUnconfirmedTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "30")
	env.gateway.ambiguous[g.Wallet.Address] = true
	env.gateway.statusErr = fmt.Errorf("%w: still open", ledger.ErrUnconfirmed)

	for range 3 {
		outcomes, err := env.settlement.RunSettlementPass(ctx, now)
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, domain.OutcomeUnconfirmed, outcomes[0].Status)
	}
	// Funding the wallet again must not trigger a second payment.
	env.gateway.fund(g.Wallet.Address, "30")
	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeUnconfirmed, outcomes[0].Status)
	assert.Equal(t, 1, env.gateway.transferCount())
}

func TestSettlementPassRetriesAfterLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, "G1", past)
	env.gateway.fund(g.Wallet.Address, "30")
	env.gateway.ambiguous[g.Wallet.Address] = true

	_, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)

	// The ledger later reports the submitted payment as failed and the
	// funds as still in the wallet.
	hash := "TX" + g.Wallet.Address
	env.gateway.mu.Lock()
	env.gateway.ledgerLog[hash] = &domain.Receipt{Code: "tecPATH_DRY", TxHash: hash}
	env.gateway.mu.Unlock()
	env.gateway.fund(g.Wallet.Address, "30")
	delete(env.gateway.ambiguous, g.Wallet.Address)

	outcomes, err := env.settlement.RunSettlementPass(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, 2, env.gateway.transferCount())

	history, err := env.membership.ListSettlements(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.SettlementFailed, history[0].Status)
	assert.Equal(t, "tecPATH_DRY", history[0].Code)
	assert.Equal(t, domain.SettlementSuccess, history[1].Status)
}
