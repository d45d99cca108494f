package domain

import (
	"fmt"
	"time"
)

// User is created the first time a wallet address logs in and is never
// modified afterwards.
type User struct {
	ID            string    `json:"user_id" db:"id"`
	WalletAddress string    `json:"wallet_address" db:"wallet_address"`
	SessionToken  string    `json:"session_token" db:"session_token"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	Version       int64     `json:"version" db:"version"`
}

// Validate checks the shape of a user record read from or written to a store.
func (u *User) Validate() error {
	switch {
	case u.ID == "":
		return fmt.Errorf("%w: user id is empty", ErrInvalidInput)
	case u.WalletAddress == "":
		return fmt.Errorf("%w: user %s has no wallet address", ErrInvalidInput, u.ID)
	}
	return nil
}

// Clone returns a copy of the user.
func (u *User) Clone() *User {
	c := *u
	return &c
}

// LoginRequest is the request body for login.
type LoginRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// LoginResponse is returned from login.
type LoginResponse struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	SessionToken  string `json:"session_token"`
	Created       bool   `json:"created"`
}
