// Package validation checks request input before any store or ledger I/O.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bcnelson/tontine-manager/internal/domain"
)

// MaxNameLength bounds group display names.
const MaxNameLength = 100

// Ledger addresses are base58 (ledger alphabet, no 0, O, I or l) with an 'r' prefix.
var addressPattern = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{1,34}$`)

// ValidateAddress checks the shape of a ledger account address.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if !addressPattern.MatchString(addr) {
		return fmt.Errorf("address must start with 'r' and contain only base58 characters")
	}
	return nil
}

// ValidateGroupName checks a group display name.
func ValidateGroupName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is required")
	}
	if trimmed != name {
		return fmt.Errorf("name must not have leading or trailing whitespace")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("name must be at most %d characters", MaxNameLength)
	}
	return nil
}

// ValidateCreateGroup collects every problem with a create request.
func ValidateCreateGroup(req *domain.CreateGroupRequest) error {
	var errs ValidationErrors
	if err := ValidateGroupName(req.Name); err != nil {
		errs.Add("name", req.Name, err.Error())
	}
	if req.CycleSize <= 0 {
		errs.Add("cycle_size", strconv.Itoa(req.CycleSize), "cycle_size must be a positive integer")
	}
	if err := ValidateAddress(req.Destination); err != nil {
		errs.Add("destination", req.Destination, err.Error())
	}
	if req.ScheduledTime.IsZero() {
		errs.Add("scheduled_time", "", "scheduled_time is required")
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		errs.Add("creator_id", req.CreatorID, "creator_id is required")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateJoin checks the identifiers of a join or leave request.
func ValidateJoin(groupID, userID string) error {
	var errs ValidationErrors
	if strings.TrimSpace(groupID) == "" {
		errs.Add("group_id", groupID, "group_id is required")
	}
	if strings.TrimSpace(userID) == "" {
		errs.Add("user_id", userID, "user_id is required")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateLogin checks a login request.
func ValidateLogin(req *domain.LoginRequest) error {
	if err := ValidateAddress(req.WalletAddress); err != nil {
		return ValidationErrors{NewValidationError("wallet_address", req.WalletAddress, err.Error())}
	}
	return nil
}

// ValidateContribution checks a payment into a group wallet.
func ValidateContribution(groupID string, req *domain.ContributionRequest) error {
	var errs ValidationErrors
	if strings.TrimSpace(groupID) == "" {
		errs.Add("group_id", groupID, "group_id is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		errs.Add("user_id", req.UserID, "user_id is required")
	}
	if err := ValidateAddress(req.PayerAddress); err != nil {
		errs.Add("payer_address", req.PayerAddress, err.Error())
	}
	if req.PayerSecret == "" {
		errs.Add("payer_secret", "", "payer_secret is required")
	}
	if !req.Amount.IsPositive() {
		errs.Add("amount", req.Amount.String(), "amount must be positive")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
