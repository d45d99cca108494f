// Package service holds the membership, settlement and login operations.
package service

import (
	"fmt"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
)

// SecretSealer protects wallet secrets at rest.
type SecretSealer interface {
	Seal(address, plaintext string) (string, error)
	Open(address, sealed string) (string, error)
}

// SessionIssuer creates the session token handed out at first login.
type SessionIssuer interface {
	Issue(userID, walletAddress string, now time.Time) (string, error)
}

// credential unseals the wallet secret of g.
func credential(sealer SecretSealer, g *domain.Group) (ledger.Credential, error) {
	secret, err := sealer.Open(g.Wallet.Address, g.Wallet.SealedSecret)
	if err != nil {
		return ledger.Credential{}, fmt.Errorf("opening wallet secret of group %s: %w", g.ID, err)
	}
	return ledger.Credential{Address: g.Wallet.Address, Secret: secret}, nil
}
