// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/shopspring/decimal"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewGroup returns a valid, never-saved group.
func NewGroup(id, name string) *domain.Group {
	return &domain.Group{
		ID:            id,
		Name:          name,
		CycleSize:     30,
		Destination:   "rDest",
		ScheduledTime: base.Add(time.Hour),
		Wallet:        domain.Wallet{Address: "rWallet" + id, SealedSecret: "sealed-" + id},
		Members:       []string{"u1"},
		Status:        domain.GroupStatusActive,
		CreatedBy:     "u1",
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

// Run exercises the storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyLoad", func(t *testing.T) { testEmptyLoad(t, newStore) })
	t.Run("GroupRoundTrip", func(t *testing.T) { testGroupRoundTrip(t, newStore) })
	t.Run("GroupCompletion", func(t *testing.T) { testGroupCompletion(t, newStore) })
	t.Run("GroupContributions", func(t *testing.T) { testGroupContributions(t, newStore) })
	t.Run("GroupOrder", func(t *testing.T) { testGroupOrder(t, newStore) })
	t.Run("GroupVersionConflict", func(t *testing.T) { testGroupVersionConflict(t, newStore) })
	t.Run("GroupInvalidRejected", func(t *testing.T) { testGroupInvalidRejected(t, newStore) })
	t.Run("GroupNameUnique", func(t *testing.T) { testGroupNameUnique(t, newStore) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore) })
	t.Run("UserWalletUnique", func(t *testing.T) { testUserWalletUnique(t, newStore) })
	t.Run("Settlements", func(t *testing.T) { testSettlements(t, newStore) })
}

func open(t *testing.T, newStore Factory) storage.Storage {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmptyLoad(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups, got %d", len(groups))
	}
	users, err := s.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("LoadUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected no users, got %d", len(users))
	}
}

func testGroupRoundTrip(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	g := NewGroup("g1", "G1")
	g.Members = []string{"u1", "u3", "u2"}
	if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	if g.Version != 1 {
		t.Errorf("expected version 1 after first save, got %d", g.Version)
	}

	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	got := groups[0]
	if got.ID != "g1" || got.Name != "G1" || got.CycleSize != 30 || got.Destination != "rDest" {
		t.Errorf("unexpected group %+v", got)
	}
	if !got.ScheduledTime.Equal(g.ScheduledTime) {
		t.Errorf("scheduled time = %v, want %v", got.ScheduledTime, g.ScheduledTime)
	}
	if got.Wallet != g.Wallet {
		t.Errorf("wallet = %+v, want %+v", got.Wallet, g.Wallet)
	}
	if len(got.Members) != 3 || got.Members[0] != "u1" || got.Members[1] != "u3" || got.Members[2] != "u2" {
		t.Errorf("members = %v, want [u1 u3 u2]", got.Members)
	}
	if got.Status != domain.GroupStatusActive || got.TransferredAt != nil || got.TxResult != nil {
		t.Errorf("expected untouched active group, got %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("loaded version = %d, want 1", got.Version)
	}

	got.Members = append(got.Members, "u4")
	if err := s.SaveGroups(ctx, []*domain.Group{got}); err != nil {
		t.Fatalf("second SaveGroups failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	groups, _ = s.LoadGroups(ctx)
	if len(groups[0].Members) != 4 || groups[0].Members[3] != "u4" {
		t.Errorf("members after append = %v", groups[0].Members)
	}
}

func testGroupCompletion(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	g := NewGroup("g1", "G1")
	if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	receipt := &domain.Receipt{
		Success: true,
		Code:    "tesSUCCESS",
		TxHash:  "ABC123",
		Amount:  decimal.RequireFromString("50.25"),
		Raw:     json.RawMessage(`{"engine_result":"tesSUCCESS"}`),
	}
	if err := g.Complete(base.Add(2*time.Hour), receipt); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}

	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	got := groups[0]
	if got.Status != domain.GroupStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.TransferredAt == nil || !got.TransferredAt.Equal(base.Add(2*time.Hour)) {
		t.Errorf("transferred at = %v", got.TransferredAt)
	}
	if got.TxResult == nil {
		t.Fatal("expected tx result")
	}
	if !got.TxResult.Success || got.TxResult.Code != "tesSUCCESS" || got.TxResult.TxHash != "ABC123" {
		t.Errorf("tx result = %+v", got.TxResult)
	}
	if !got.TxResult.Amount.Equal(decimal.RequireFromString("50.25")) {
		t.Errorf("amount = %s", got.TxResult.Amount)
	}
}

func testGroupContributions(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	g := NewGroup("g1", "G1")
	g.Members = []string{"u1", "u2"}
	if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	g.Contributions = append(g.Contributions,
		domain.Contribution{UserID: "u2", Amount: decimal.RequireFromString("12.5"), TxHash: "PAY1", PaidAt: base.Add(time.Minute)},
		domain.Contribution{UserID: "u1", Amount: decimal.RequireFromString("7"), TxHash: "PAY2", PaidAt: base.Add(2 * time.Minute)},
	)
	if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}

	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	got := groups[0].Contributions
	if len(got) != 2 {
		t.Fatalf("expected 2 contributions, got %+v", got)
	}
	if got[0].UserID != "u2" || got[0].TxHash != "PAY1" || !got[0].Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("first contribution = %+v", got[0])
	}
	if !got[1].PaidAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("paid at = %v", got[1].PaidAt)
	}
	if !groups[0].AllPaid() {
		t.Error("expected every member to have paid")
	}

	bad := groups[0]
	bad.Contributions = append(bad.Contributions, domain.Contribution{UserID: "u1", Amount: decimal.Zero})
	if err := s.SaveGroups(ctx, []*domain.Group{bad}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty contribution, got %v", err)
	}
}

func testGroupOrder(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	names := []string{"c", "a", "b"}
	for i, name := range names {
		g := NewGroup(name, "Group "+name)
		g.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveGroups(ctx, []*domain.Group{g}); err != nil {
			t.Fatalf("SaveGroups(%s) failed: %v", name, err)
		}
	}
	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for i, name := range names {
		if groups[i].ID != name {
			t.Errorf("groups[%d] = %s, want %s", i, groups[i].ID, name)
		}
	}
}

func testGroupVersionConflict(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	if err := s.SaveGroups(ctx, []*domain.Group{NewGroup("g1", "G1")}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	first, _ := s.LoadGroups(ctx)
	second, _ := s.LoadGroups(ctx)

	first[0].Members = append(first[0].Members, "u2")
	if err := s.SaveGroups(ctx, first); err != nil {
		t.Fatalf("first writer failed: %v", err)
	}

	second[0].Members = append(second[0].Members, "u3")
	other := NewGroup("g2", "G2")
	err := s.SaveGroups(ctx, []*domain.Group{other, second[0]})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if second[0].Version != 1 || other.Version != 0 {
		t.Errorf("rejected write must not bump versions: %d, %d", second[0].Version, other.Version)
	}

	groups, _ := s.LoadGroups(ctx)
	if len(groups) != 1 {
		t.Fatalf("rejected batch must not persist new records, got %d groups", len(groups))
	}
	if len(groups[0].Members) != 2 || groups[0].Members[1] != "u2" {
		t.Errorf("members = %v, want [u1 u2]", groups[0].Members)
	}

	dup := NewGroup("g1", "G1 again")
	if err := s.SaveGroups(ctx, []*domain.Group{dup}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for unsaved record with existing id, got %v", err)
	}

	ghost := NewGroup("g9", "G9")
	ghost.Version = 4
	if err := s.SaveGroups(ctx, []*domain.Group{ghost}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for versioned record that was never stored, got %v", err)
	}
}

func testGroupInvalidRejected(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	bad := NewGroup("g1", "G1")
	bad.Members = []string{"u1", "u1"}
	if err := s.SaveGroups(ctx, []*domain.Group{bad}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	groups, _ := s.LoadGroups(ctx)
	if len(groups) != 0 {
		t.Errorf("invalid group persisted")
	}
}

// Two writers that never saw each other's snapshot both try to create "G1".
func testGroupNameUnique(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	if err := s.SaveGroups(ctx, []*domain.Group{NewGroup("ga", "G1")}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	late := NewGroup("gb", "G1")
	if err := s.SaveGroups(ctx, []*domain.Group{late}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for taken name, got %v", err)
	}
	if late.Version != 0 {
		t.Errorf("rejected write must not bump version, got %d", late.Version)
	}

	twins := []*domain.Group{NewGroup("gc", "Twin"), NewGroup("gd", "Twin")}
	if err := s.SaveGroups(ctx, twins); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for name repeated in batch, got %v", err)
	}

	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "ga" {
		t.Fatalf("expected only ga to persist, got %d groups", len(groups))
	}

	// Re-saving the holder of a name is not a clash.
	groups[0].Members = append(groups[0].Members, "u2")
	if err := s.SaveGroups(ctx, groups); err != nil {
		t.Errorf("re-saving name holder failed: %v", err)
	}
}

func testUserWalletUnique(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	first := &domain.User{ID: "u1", WalletAddress: "rShared", SessionToken: "tok1", CreatedAt: base}
	if err := s.SaveUsers(ctx, []*domain.User{first}); err != nil {
		t.Fatalf("SaveUsers failed: %v", err)
	}
	second := &domain.User{ID: "u2", WalletAddress: "rShared", SessionToken: "tok2", CreatedAt: base}
	if err := s.SaveUsers(ctx, []*domain.User{second}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for taken wallet, got %v", err)
	}
	users, err := s.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("LoadUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u1" {
		t.Errorf("expected only u1 to persist, got %+v", users)
	}

	users[0].SessionToken = "tok3"
	if err := s.SaveUsers(ctx, users); err != nil {
		t.Errorf("re-saving wallet holder failed: %v", err)
	}
}

func testUsers(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	u1 := &domain.User{ID: "u1", WalletAddress: "rAlice", SessionToken: "tok1", CreatedAt: base}
	u2 := &domain.User{ID: "u2", WalletAddress: "rBob", SessionToken: "tok2", CreatedAt: base.Add(time.Minute)}
	if err := s.SaveUsers(ctx, []*domain.User{u1}); err != nil {
		t.Fatalf("SaveUsers failed: %v", err)
	}
	if err := s.SaveUsers(ctx, []*domain.User{u2}); err != nil {
		t.Fatalf("SaveUsers failed: %v", err)
	}
	if u1.Version != 1 || u2.Version != 1 {
		t.Errorf("versions = %d, %d", u1.Version, u2.Version)
	}

	users, err := s.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("LoadUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].ID != "u1" || users[1].ID != "u2" {
		t.Fatalf("users = %+v", users)
	}
	if users[1].WalletAddress != "rBob" || users[1].SessionToken != "tok2" || !users[1].CreatedAt.Equal(u2.CreatedAt) {
		t.Errorf("user round trip = %+v", users[1])
	}

	stale := &domain.User{ID: "u1", WalletAddress: "rAlice", SessionToken: "other", CreatedAt: base}
	if err := s.SaveUsers(ctx, []*domain.User{stale}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	if err := s.SaveUsers(ctx, []*domain.User{{ID: "u3"}}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for user without wallet, got %v", err)
	}
}

func testSettlements(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	st := &domain.Settlement{
		ID:          "s1",
		GroupID:     "g1",
		Amount:      decimal.RequireFromString("12.5"),
		Destination: "rDest",
		Status:      domain.SettlementPending,
		CreatedAt:   base,
	}
	if err := s.CreateSettlement(ctx, st); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}
	other := &domain.Settlement{ID: "s2", GroupID: "g2", Amount: decimal.NewFromInt(1), Destination: "rDest", Status: domain.SettlementPending, CreatedAt: base}
	if err := s.CreateSettlement(ctx, other); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	done := base.Add(time.Minute)
	st.Status = domain.SettlementSuccess
	st.Code = "tesSUCCESS"
	st.TxHash = "HASH"
	st.CompletedAt = &done
	if err := s.UpdateSettlement(ctx, st); err != nil {
		t.Fatalf("UpdateSettlement failed: %v", err)
	}

	list, err := s.ListSettlements(ctx, "g1")
	if err != nil {
		t.Fatalf("ListSettlements failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 settlement, got %d", len(list))
	}
	got := list[0]
	if got.Status != domain.SettlementSuccess || got.Code != "tesSUCCESS" || got.TxHash != "HASH" {
		t.Errorf("settlement = %+v", got)
	}
	if !got.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("amount = %s", got.Amount)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed at = %v", got.CompletedAt)
	}

	all, err := s.ListSettlements(ctx, "")
	if err != nil {
		t.Fatalf("ListSettlements failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 settlements, got %d", len(all))
	}

	missing := &domain.Settlement{ID: "nope", GroupID: "g1", Status: domain.SettlementFailed, CreatedAt: base}
	if err := s.UpdateSettlement(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
