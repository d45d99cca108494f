package memory

import (
	"context"
	"testing"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/bcnelson/tontine-manager/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return New() })
}

func TestLoadReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.SaveGroups(ctx, []*domain.Group{storagetest.NewGroup("g1", "G1")}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	groups, _ := s.LoadGroups(ctx)
	groups[0].Members[0] = "mallory"
	groups[0].Name = "changed"

	again, _ := s.LoadGroups(ctx)
	if again[0].Members[0] != "u1" || again[0].Name != "G1" {
		t.Errorf("store state leaked through loaded snapshot: %+v", again[0])
	}
}
