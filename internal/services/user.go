package services

import (
	"context"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

// UserService handles account signup and balance reads.
type UserService struct {
	store         store.Store
	signupBalance int
}

func NewUserService(s store.Store, signupBalance int) *UserService {
	return &UserService{store: s, signupBalance: signupBalance}
}

// CreateUser registers a new account with the configured signup balance.
func (s *UserService) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	if u.Balance == 0 {
		u.Balance = s.signupBalance
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	return s.store.Users().Create(ctx, u)
}

func (s *UserService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.store.Users().Get(ctx, userID)
}

func (s *UserService) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.store.Users().GetByUsername(ctx, username)
}

func (s *UserService) Transactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	return s.store.Users().Transactions(ctx, userID, limit)
}
