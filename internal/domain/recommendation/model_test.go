package recommendation

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestContent_Normalize(t *testing.T) {
	c := Content{
		Text:  "  Утром: мягкое очищение, SPF 50.  ",
		Links: []string{" https://shop.example/cleanser ", "", "http://shop.example/spf"},
	}
	if err := c.Normalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Text != "Утром: мягкое очищение, SPF 50." {
		t.Errorf("unexpected text %q", c.Text)
	}
	if len(c.Links) != 2 || c.Links[0] != "https://shop.example/cleanser" {
		t.Errorf("unexpected links %v", c.Links)
	}
}

func TestContent_Normalize_Invalid(t *testing.T) {
	cases := map[string]Content{
		"empty text":    {Text: "  "},
		"relative link": {Text: "ok", Links: []string{"/cleanser"}},
		"ftp link":      {Text: "ok", Links: []string{"ftp://files.example/a"}},
	}
	for name, c := range cases {
		if err := c.Normalize(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRecommendation_Edit_KeepsFirstOriginal(t *testing.T) {
	r := &Recommendation{Text: "doctor text", Links: []string{"https://a.example"}}
	admin := uuid.New()
	at := time.Now()

	r.Edit(admin, Content{Text: "first edit"}, at)
	r.Edit(admin, Content{Text: "second edit", Links: []string{"https://b.example"}}, at.Add(time.Minute))

	if r.OriginalText == nil || *r.OriginalText != "doctor text" {
		t.Errorf("expected original doctor text, got %v", r.OriginalText)
	}
	if r.Text != "second edit" || len(r.Links) != 1 {
		t.Errorf("unexpected content %q %v", r.Text, r.Links)
	}
	if r.EditedByAdminID == nil || *r.EditedByAdminID != admin {
		t.Error("expected edited_by_admin_id")
	}
	if !r.EditedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("expected last edit time, got %v", r.EditedAt)
	}
}
