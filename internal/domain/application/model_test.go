package application

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func validQuestionnaire() Questionnaire {
	return Questionnaire{
		Age:          29,
		SkinType:     "комбинированная",
		PriceRange:   "средний",
		MainProblems: []string{"акне", "постакне"},
	}
}

func TestQuestionnaire_Validate(t *testing.T) {
	if err := validQuestionnaire().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(q *Questionnaire)
		field  string
	}{
		{"age too low", func(q *Questionnaire) { q.Age = 0 }, "age"},
		{"age too high", func(q *Questionnaire) { q.Age = 121 }, "age"},
		{"no skin type", func(q *Questionnaire) { q.SkinType = "" }, "skin_type"},
		{"no price range", func(q *Questionnaire) { q.PriceRange = "" }, "price_range"},
		{"no problems", func(q *Questionnaire) { q.MainProblems = nil }, "main_problems"},
		{"long comment", func(q *Questionnaire) { q.AdditionalComment = strings.Repeat("я", 2001) }, "additional_comment"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuestionnaire()
			tt.mutate(&q)
			var ve *ValidationError
			if err := q.Validate(); !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestQuestionnaire_Normalize(t *testing.T) {
	q := Questionnaire{
		SkinType:          "  сухая ",
		PriceRange:        " эконом",
		MainProblems:      []string{" пигментация ", "", "   "},
		AdditionalComment: "  ",
	}
	q.Normalize()
	if q.SkinType != "сухая" || q.PriceRange != "эконом" {
		t.Errorf("fields not trimmed: %+v", q)
	}
	if len(q.MainProblems) != 1 || q.MainProblems[0] != "пигментация" {
		t.Errorf("unexpected problems %v", q.MainProblems)
	}
	if q.AdditionalComment != "" {
		t.Errorf("expected empty comment, got %q", q.AdditionalComment)
	}
}

func TestNewFromQuestionnaire(t *testing.T) {
	client := uuid.New()
	q := validQuestionnaire()
	q.AdditionalComment = "аллергия на кислоты"

	a := NewFromQuestionnaire(client, q, SourceWeb)
	if a.ID == uuid.Nil {
		t.Error("expected generated id")
	}
	if a.Status != StatusPendingPayment {
		t.Errorf("expected PENDING_PAYMENT, got %s", a.Status)
	}
	if a.DoctorID != nil {
		t.Error("new application must not have a doctor")
	}
	if a.AdditionalComment == nil || *a.AdditionalComment != q.AdditionalComment {
		t.Errorf("unexpected comment %v", a.AdditionalComment)
	}
}
