package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/repository"
	"github.com/bcnelson/tontine-manager/internal/validation"
	"github.com/google/uuid"
)

// UserService provisions users on first login.
type UserService struct {
	repo   *repository.Repository
	tokens SessionIssuer
	logger *slog.Logger
	now    func() time.Time
}

// NewUserService creates a new UserService.
func NewUserService(repo *repository.Repository, tokens SessionIssuer, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{repo: repo, tokens: tokens, logger: logger, now: time.Now}
}

// Login returns the user bound to the wallet address, creating one on the
// first login. The address is trusted as given.
func (s *UserService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	if err := validation.ValidateLogin(req); err != nil {
		return nil, err
	}

	users, err := s.repo.Users(ctx)
	if err != nil {
		return nil, err
	}
	if u, ok := repository.FindUserByWallet(users, req.WalletAddress); ok {
		return loginResponse(u, false), nil
	}

	now := s.now().UTC()
	userID := uuid.New().String()
	token, err := s.tokens.Issue(userID, req.WalletAddress, now)
	if err != nil {
		return nil, fmt.Errorf("issuing session token: %w", err)
	}

	var user *domain.User
	created := false
	err = s.repo.MutateUsers(ctx, func(users []*domain.User) ([]*domain.User, error) {
		if u, ok := repository.FindUserByWallet(users, req.WalletAddress); ok {
			user, created = u, false
			return nil, nil
		}
		user = &domain.User{
			ID:            userID,
			WalletAddress: req.WalletAddress,
			SessionToken:  token,
			CreatedAt:     now,
		}
		created = true
		return []*domain.User{user}, nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info("user provisioned", "user_id", user.ID, "wallet", user.WalletAddress)
	}
	return loginResponse(user, created), nil
}

func loginResponse(u *domain.User, created bool) *domain.LoginResponse {
	return &domain.LoginResponse{
		UserID:        u.ID,
		WalletAddress: u.WalletAddress,
		SessionToken:  u.SessionToken,
		Created:       created,
	}
}
