package recommendation

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Recommendation struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ApplicationID     uuid.UUID  `db:"application_id" json:"application_id"`
	DoctorID          uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Text              string     `db:"text" json:"text"`
	Links             []string   `db:"links" json:"links"`
	OriginalText      *string    `db:"original_text" json:"original_text,omitempty"`
	EditedByAdminID   *uuid.UUID `db:"edited_by_admin_id" json:"edited_by_admin_id,omitempty"`
	EditedAt          *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	ApprovedByAdminID *uuid.UUID `db:"approved_by_admin_id" json:"approved_by_admin_id,omitempty"`
	ApprovedAt        *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

const (
	maxTextRunes = 10000
	maxLinks     = 20
)

// Content is the doctor-authored part of a recommendation.
type Content struct {
	Text  string   `json:"text"`
	Links []string `json:"links"`
}

// Normalize trims text, drops blank links and checks every link is an
// absolute http(s) URL.
func (c *Content) Normalize() error {
	c.Text = strings.TrimSpace(c.Text)
	if c.Text == "" {
		return fmt.Errorf("text is required")
	}
	if len([]rune(c.Text)) > maxTextRunes {
		return fmt.Errorf("text exceeds %d characters", maxTextRunes)
	}

	links := make([]string, 0, len(c.Links))
	for _, l := range c.Links {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		u, err := url.Parse(l)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid link %q", l)
		}
		links = append(links, l)
	}
	if len(links) > maxLinks {
		return fmt.Errorf("at most %d links", maxLinks)
	}
	c.Links = links
	return nil
}

// Edit replaces the content on behalf of an admin. The doctor's text is kept
// in OriginalText on the first edit only.
func (r *Recommendation) Edit(adminID uuid.UUID, c Content, at time.Time) {
	if r.OriginalText == nil {
		orig := r.Text
		r.OriginalText = &orig
	}
	r.Text = c.Text
	r.Links = c.Links
	r.EditedByAdminID = &adminID
	r.EditedAt = &at
}

func (r *Recommendation) Approved() bool {
	return r.ApprovedAt != nil
}
