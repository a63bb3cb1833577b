package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/opentrove/trove/internal/api/respond"
	"github.com/opentrove/trove/internal/services"
)

const maxListingPageSize = 100

type ListingHandler struct {
	svc *services.ListingService
}

func NewListingHandler(svc *services.ListingService) *ListingHandler {
	return &ListingHandler{svc: svc}
}

func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 20, maxListingPageSize)
	listings, err := h.svc.ListActive(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"listings": listings,
		"count":    len(listings),
	})
}

func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["listingId"]
	if listingID == "" {
		respond.WriteBadRequest(w, "listingId required")
		return
	}
	l, err := h.svc.GetListing(r.Context(), listingID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, l)
}

func (h *ListingHandler) ListUserListings(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		respond.WriteBadRequest(w, "userId required")
		return
	}
	listings, err := h.svc.ListForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"listings": listings,
		"count":    len(listings),
	})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
