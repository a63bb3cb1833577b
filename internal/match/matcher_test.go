package match

import (
	"testing"

	"github.com/opentrove/trove/internal/model"
)

func active(id, title, desc string) *model.Listing {
	return &model.Listing{ListingID: id, Title: title, Description: desc, Status: model.ListingStatusActive}
}

func TestFindBestMatch_ExactTitleBeatsPartial(t *testing.T) {
	corpus := []*model.Listing{
		active("1", "Neural Network Tutorial", "learn about neural networks"),
		active("2", "Neural Net", "a trained model"),
	}
	got := FindBestMatch("Neural Net", corpus)
	if got == nil || got.ListingID != "2" {
		t.Fatalf("want exact-title listing 2, got %+v", got)
	}
}

func TestFindBestMatch_CaseInsensitive(t *testing.T) {
	corpus := []*model.Listing{active("1", "ChatBot Pro", "")}
	if got := FindBestMatch("chatbot pro", corpus); got == nil || got.ListingID != "1" {
		t.Fatalf("case-insensitive exact match failed: %+v", got)
	}
}

func TestFindBestMatch_QuotedQuery(t *testing.T) {
	corpus := []*model.Listing{active("1", "Neural Net", "")}
	if got := FindBestMatch(`"Neural Net"`, corpus); got == nil || got.ListingID != "1" {
		t.Fatalf("quoted query failed: %+v", got)
	}
}

func TestFindBestMatch_WordOverlapScoring(t *testing.T) {
	corpus := []*model.Listing{
		active("1", "Vintage Camera", "an old film camera"),
		active("2", "Camera Bag", "padded bag for camera gear"),
	}
	// Both titles contain "camera"; "vintage" only matches listing 1.
	got := FindBestMatch("vintage camera", corpus)
	if got == nil || got.ListingID != "1" {
		t.Fatalf("want listing 1, got %+v", got)
	}
}

func TestFindBestMatch_DescriptionOnly(t *testing.T) {
	corpus := []*model.Listing{
		active("1", "Mystery Box", "contains a rubber duck"),
	}
	if got := FindBestMatch("rubber duck", corpus); got == nil || got.ListingID != "1" {
		t.Fatalf("description match failed: %+v", got)
	}
}

func TestFindBestMatch_NoMatch(t *testing.T) {
	corpus := []*model.Listing{
		active("1", "Neural Net", "a trained model"),
	}
	if got := FindBestMatch("xyz-nonexistent", corpus); got != nil {
		t.Fatalf("want nil for unmatched query, got %+v", got)
	}
}

func TestFindBestMatch_EmptyQuery(t *testing.T) {
	corpus := []*model.Listing{active("1", "Anything", "")}
	if got := FindBestMatch(`""`, corpus); got != nil {
		t.Fatalf("want nil for empty query, got %+v", got)
	}
}

func TestFindBestMatch_SkipsRemovedListings(t *testing.T) {
	removed := active("1", "Neural Net", "")
	removed.Status = model.ListingStatusRemoved
	corpus := []*model.Listing{removed, active("2", "Neural Network Kit", "")}
	got := FindBestMatch("Neural Net", corpus)
	if got == nil || got.ListingID != "2" {
		t.Fatalf("removed listing should be skipped: %+v", got)
	}
}

func TestFindBestMatch_TieKeepsFirst(t *testing.T) {
	corpus := []*model.Listing{
		active("1", "Sticker Pack", ""),
		active("2", "Sticker Pack", ""),
	}
	if got := FindBestMatch("Sticker Pack", corpus); got == nil || got.ListingID != "1" {
		t.Fatalf("tie should keep first encountered: %+v", got)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		`"Neural Net"`:   "Neural Net",
		`'quoted'`:       "quoted",
		`  "' nested '"`: "nested",
		"plain":          "plain",
		`""`:             "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
