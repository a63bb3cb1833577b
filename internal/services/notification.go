package services

import (
	"context"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

// NotificationService handles notification reads and read-state updates.
type NotificationService struct {
	store store.Store
}

func NewNotificationService(s store.Store) *NotificationService {
	return &NotificationService{store: s}
}

func (s *NotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	return s.store.Notifications().List(ctx, userID, unreadOnly, limit)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.Notifications().MarkAllRead(ctx, userID)
}
