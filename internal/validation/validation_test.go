package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"classic address", "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV", false},
		{"short address", "rDest", false},
		{"empty", "", true},
		{"missing r prefix", "QhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV", true},
		{"only prefix", "r", true},
		{"contains zero", "rDest0", true},
		{"contains capital O", "rOops", true},
		{"contains lowercase l", "rlol", true},
		{"contains space", "rDe st", true},
		{"too long", "r" + strings.Repeat("a", 35), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestValidateGroupName(t *testing.T) {
	tests := []struct {
		name    string
		group   string
		wantErr bool
	}{
		{"simple", "G1", false},
		{"with spaces inside", "Family Savings", false},
		{"unicode", "Épargne", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"leading space", " G1", true},
		{"too long", strings.Repeat("x", MaxNameLength+1), true},
		{"at limit", strings.Repeat("x", MaxNameLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGroupName(tt.group)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGroupName(%q) error = %v, wantErr %v", tt.group, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCreateGroup(t *testing.T) {
	valid := func() *domain.CreateGroupRequest {
		return &domain.CreateGroupRequest{
			Name:          "G1",
			CycleSize:     30,
			Destination:   "rDest",
			ScheduledTime: time.Now().Add(time.Hour),
			CreatorID:     "u1",
		}
	}

	if err := ValidateCreateGroup(valid()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*domain.CreateGroupRequest)
		field  string
	}{
		{"missing name", func(r *domain.CreateGroupRequest) { r.Name = "" }, "name"},
		{"zero cycle", func(r *domain.CreateGroupRequest) { r.CycleSize = 0 }, "cycle_size"},
		{"negative cycle", func(r *domain.CreateGroupRequest) { r.CycleSize = -3 }, "cycle_size"},
		{"bad destination", func(r *domain.CreateGroupRequest) { r.Destination = "xyz" }, "destination"},
		{"no schedule", func(r *domain.CreateGroupRequest) { r.ScheduledTime = time.Time{} }, "scheduled_time"},
		{"no creator", func(r *domain.CreateGroupRequest) { r.CreatorID = " " }, "creator_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := ValidateCreateGroup(req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			if verrs[0].Field != tt.field {
				t.Errorf("field = %q, want %q", verrs[0].Field, tt.field)
			}
		})
	}
}

func TestValidateCreateGroupCollectsAll(t *testing.T) {
	err := ValidateCreateGroup(&domain.CreateGroupRequest{})
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) != 5 {
		t.Errorf("expected 5 errors, got %d: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "and 4 more errors") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestValidateJoin(t *testing.T) {
	if err := ValidateJoin("g1", "u1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateJoin("", "u1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if err := ValidateJoin("g1", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateLogin(t *testing.T) {
	if err := ValidateLogin(&domain.LoginRequest{WalletAddress: "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateLogin(&domain.LoginRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateContribution(t *testing.T) {
	valid := func() *domain.ContributionRequest {
		return &domain.ContributionRequest{
			UserID:       "u1",
			PayerAddress: "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV",
			PayerSecret:  "sSecret",
			Amount:       decimal.RequireFromString("12.5"),
		}
	}
	if err := ValidateContribution("g1", valid()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*domain.ContributionRequest)
		field  string
	}{
		{"no user", func(r *domain.ContributionRequest) { r.UserID = "" }, "user_id"},
		{"bad payer", func(r *domain.ContributionRequest) { r.PayerAddress = "x" }, "payer_address"},
		{"no secret", func(r *domain.ContributionRequest) { r.PayerSecret = "" }, "payer_secret"},
		{"zero amount", func(r *domain.ContributionRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *domain.ContributionRequest) { r.Amount = decimal.NewFromInt(-3) }, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := ValidateContribution("g1", req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) || verrs[0].Field != tt.field {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}
