package services

import (
	"context"
	"errors"

	"github.com/opentrove/trove/internal/conversation"
	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

// ChatService handles conversations and message turns. Message handling
// delegates to the conversation machine.
type ChatService struct {
	store   store.Store
	machine *conversation.Machine
}

func NewChatService(s store.Store, m *conversation.Machine) *ChatService {
	return &ChatService{store: s, machine: m}
}

// OpenConversation returns the user's latest conversation, creating one on
// first contact.
func (s *ChatService) OpenConversation(ctx context.Context, userID string) (*model.Conversation, error) {
	conv, err := s.store.Conversations().LatestForUser(ctx, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return s.store.Conversations().Create(ctx, &model.Conversation{UserID: userID})
}

func (s *ChatService) HandleMessage(ctx context.Context, conversationID, message string, confirmation *bool) (*conversation.Reply, error) {
	return s.machine.HandleMessage(ctx, conversationID, message, confirmation)
}

func (s *ChatService) ListMessages(ctx context.Context, req model.ListMessagesRequest) ([]*model.Message, error) {
	return s.store.Conversations().ListMessages(ctx, req)
}
