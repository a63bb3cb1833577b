package services

import (
	"context"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

// ListingService handles listing reads for the REST surface. Mutations go
// through the chat pipeline so they carry confirmation semantics.
type ListingService struct {
	store store.Store
}

func NewListingService(s store.Store) *ListingService { return &ListingService{store: s} }

func (s *ListingService) ListActive(ctx context.Context, limit int) ([]*model.Listing, error) {
	return s.store.Listings().ListActive(ctx, limit)
}

func (s *ListingService) GetListing(ctx context.Context, listingID string) (*model.Listing, error) {
	return s.store.Listings().GetByID(ctx, listingID)
}

// ListForUser returns listings the user created or currently owns.
func (s *ListingService) ListForUser(ctx context.Context, userID string) ([]*model.Listing, error) {
	user, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.Listings().ListMine(ctx, user.Username)
}
