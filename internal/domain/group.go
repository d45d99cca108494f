package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// GroupStatus is the lifecycle state of a group.
type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusCompleted GroupStatus = "completed"
)

// Valid reports whether s is a known status.
func (s GroupStatus) Valid() bool {
	return s == GroupStatusActive || s == GroupStatusCompleted
}

// Wallet is the custodial ledger wallet owned by a group.
// The secret is only ever held sealed; see internal/secrets.
type Wallet struct {
	Address      string `json:"address"`
	SealedSecret string `json:"-"`
}

// Receipt is the ledger acknowledgment of a submitted payment.
type Receipt struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Group represents a tontine: a pool of members sharing one custodial wallet
// and one settlement schedule.
type Group struct {
	ID            string      `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	CycleSize     int         `json:"cycle_size" db:"cycle_size"`
	Destination   string      `json:"destination" db:"destination"`
	ScheduledTime time.Time   `json:"scheduled_time" db:"scheduled_time"`
	Wallet        Wallet      `json:"wallet" db:"-"`
	Members       []string    `json:"members" db:"-"` // Stored in separate table
	Status        GroupStatus `json:"status" db:"status"`
	TransferredAt *time.Time  `json:"transferred_at,omitempty" db:"-"`
	TxResult      *Receipt    `json:"tx_result,omitempty" db:"-"`
	// Contributions are member payments into the wallet, oldest first.
	Contributions []Contribution `json:"contributions,omitempty" db:"-"`
	CreatedBy     string      `json:"created_by" db:"created_by"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
	Version       int64       `json:"version" db:"version"`
}

// Contribution is one payment a member made into the group wallet.
type Contribution struct {
	UserID string          `json:"user_id" db:"user_id"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
	TxHash string          `json:"tx_hash" db:"tx_hash"`
	PaidAt time.Time       `json:"paid_at" db:"paid_at"`
}

// GroupSummary is the list projection of a group.
type GroupSummary struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	Status        GroupStatus `json:"status"`
}

// Summary projects the group for listings.
func (g *Group) Summary() GroupSummary {
	return GroupSummary{
		ID:            g.ID,
		Name:          g.Name,
		ScheduledTime: g.ScheduledTime,
		Status:        g.Status,
	}
}

// HasMember reports whether userID belongs to the group.
func (g *Group) HasMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// AddMember appends userID, preserving insertion order.
func (g *Group) AddMember(userID string) error {
	if g.HasMember(userID) {
		return fmt.Errorf("%w: %s in group %s", ErrAlreadyMember, userID, g.ID)
	}
	g.Members = append(g.Members, userID)
	return nil
}

// RemoveMember deletes userID from the member list.
func (g *Group) RemoveMember(userID string) error {
	i := slices.Index(g.Members, userID)
	if i < 0 {
		return fmt.Errorf("%w: %s in group %s", ErrNotMember, userID, g.ID)
	}
	g.Members = slices.Delete(g.Members, i, i+1)
	return nil
}

// HasPaid reports whether userID has contributed to the group.
func (g *Group) HasPaid(userID string) bool {
	return slices.ContainsFunc(g.Contributions, func(c Contribution) bool { return c.UserID == userID })
}

// AllPaid reports whether every current member has contributed.
func (g *Group) AllPaid() bool {
	for _, m := range g.Members {
		if !g.HasPaid(m) {
			return false
		}
	}
	return len(g.Members) > 0
}

// IsDue reports whether the group is active and its scheduled time has passed.
func (g *Group) IsDue(now time.Time) bool {
	return g.Status == GroupStatusActive && !g.ScheduledTime.After(now)
}

// Complete moves the group to completed. It is the only transition out of
// active and it never happens twice.
func (g *Group) Complete(now time.Time, receipt *Receipt) error {
	if g.Status == GroupStatusCompleted {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, g.ID)
	}
	at := now.UTC()
	g.Status = GroupStatusCompleted
	g.TransferredAt = &at
	g.TxResult = receipt
	return nil
}

// Validate checks the shape of a group record read from or written to a store.
func (g *Group) Validate() error {
	switch {
	case g.ID == "":
		return fmt.Errorf("%w: group id is empty", ErrInvalidInput)
	case g.Name == "":
		return fmt.Errorf("%w: group %s has no name", ErrInvalidInput, g.ID)
	case g.CycleSize <= 0:
		return fmt.Errorf("%w: group %s has cycle size %d", ErrInvalidInput, g.ID, g.CycleSize)
	case g.Wallet.Address == "":
		return fmt.Errorf("%w: group %s has no wallet", ErrInvalidInput, g.ID)
	case !g.Status.Valid():
		return fmt.Errorf("%w: group %s has status %q", ErrInvalidInput, g.ID, g.Status)
	case g.Status == GroupStatusCompleted && g.TransferredAt == nil:
		return fmt.Errorf("%w: completed group %s has no transfer time", ErrInvalidInput, g.ID)
	}
	seen := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: group %s lists member %s twice", ErrInvalidInput, g.ID, m)
		}
		seen[m] = struct{}{}
	}
	for _, c := range g.Contributions {
		if c.UserID == "" || !c.Amount.IsPositive() {
			return fmt.Errorf("%w: group %s has a malformed contribution", ErrInvalidInput, g.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so snapshots handed out by stores cannot be
// mutated through shared slices.
func (g *Group) Clone() *Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	c.Contributions = slices.Clone(g.Contributions)
	if g.TransferredAt != nil {
		t := *g.TransferredAt
		c.TransferredAt = &t
	}
	if g.TxResult != nil {
		r := *g.TxResult
		r.Raw = slices.Clone(g.TxResult.Raw)
		c.TxResult = &r
	}
	return &c
}

// CreateGroupRequest is the request body for creating a group.
type CreateGroupRequest struct {
	Name          string    `json:"name"`
	CycleSize     int       `json:"cycle_size"`
	Destination   string    `json:"destination"`
	ScheduledTime time.Time `json:"scheduled_time"`
	CreatorID     string    `json:"creator_id"`
}

// JoinGroupRequest is the request body for joining a group.
type JoinGroupRequest struct {
	UserID    string `json:"user_id"`
	Trustline bool   `json:"trustline,omitempty"`

	// IfVersion makes the join conditional on the group version, taken
	// from If-Match. Zero joins unconditionally; a negative value never
	// matches.
	IfVersion int64 `json:"-"`
}

// ContributionRequest is the request body for paying into a group wallet.
// The payer secret signs the payment and is never stored.
type ContributionRequest struct {
	UserID       string          `json:"user_id"`
	PayerAddress string          `json:"payer_address"`
	PayerSecret  string          `json:"payer_secret"`
	Amount       decimal.Decimal `json:"amount"`
}

// ContributionResponse is returned after a recorded contribution.
type ContributionResponse struct {
	GroupID string   `json:"group_id"`
	UserID  string   `json:"user_id"`
	Receipt *Receipt `json:"receipt"`
	AllPaid bool     `json:"all_paid"`
}

// JoinGroupResponse is returned after a successful join.
type JoinGroupResponse struct {
	Group     *Group           `json:"group"`
	Trustline *TrustlineStatus `json:"trustline,omitempty"`
}

// TrustlineStatus reports the outcome of a trustline ensure call.
type TrustlineStatus struct {
	Existed bool   `json:"existed"`
	Code    string `json:"code,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// BalanceResponse reports the stable-asset balance of a group wallet.
type BalanceResponse struct {
	GroupID string          `json:"group_id"`
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}
