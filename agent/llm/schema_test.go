package llm

import (
	"errors"
	"testing"
)

func TestDecodeClassification(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := []byte(`{
			"schema_version": "classification/v1",
			"category": "FEE_QUOTE",
			"constraints": ["FEE_REQUIRED"],
			"fee_cents": 25000,
			"portal_url": "",
			"denial_reasons": [],
			"sentiment": "neutral",
			"extracted_deadline": "2026-09-15",
			"requires_response": true,
			"summary": "Agency quotes $250 for responsive records.",
			"confidence": 0.93
		}`)
		c, err := DecodeClassification(raw)
		if err != nil {
			t.Fatalf("DecodeClassification: %v", err)
		}
		if c.Category != CategoryFeeQuote || c.FeeCents != 25000 {
			t.Errorf("unexpected classification: %+v", c)
		}
		if !c.RequiresResponse || c.ExtractedDeadline != "2026-09-15" {
			t.Errorf("unexpected classification: %+v", c)
		}
	})

	t.Run("missing schema tag rejected", func(t *testing.T) {
		raw := []byte(`{
			"category": "ACKNOWLEDGMENT",
			"constraints": [],
			"requires_response": false,
			"summary": "x",
			"confidence": 0.9
		}`)
		if _, err := DecodeClassification(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("wrong schema tag rejected", func(t *testing.T) {
		raw := []byte(`{
			"schema_version": "classification/v2",
			"category": "ACKNOWLEDGMENT",
			"constraints": [],
			"requires_response": false,
			"summary": "x",
			"confidence": 0.9
		}`)
		if _, err := DecodeClassification(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("unknown category rejected", func(t *testing.T) {
		raw := []byte(`{
			"schema_version": "classification/v1",
			"category": "SOMETHING_ELSE",
			"constraints": [],
			"requires_response": true,
			"summary": "x",
			"confidence": 0.5
		}`)
		if _, err := DecodeClassification(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		raw := []byte(`{"schema_version": "classification/v1", "category": "DENIAL", "constraints": [], "requires_response": true, "confidence": 0.5}`)
		if _, err := DecodeClassification(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("extra field rejected", func(t *testing.T) {
		raw := []byte(`{
			"schema_version": "classification/v1",
			"category": "OTHER",
			"constraints": [],
			"requires_response": false,
			"summary": "x",
			"confidence": 0.5,
			"chain_of_thought": "models love to add this"
		}`)
		if _, err := DecodeClassification(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("not JSON rejected", func(t *testing.T) {
		if _, err := DecodeClassification([]byte("I think this is a fee quote")); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})
}

func TestDecodeDraft(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := []byte(`{
			"schema_version": "draft/v1",
			"subject": "Public records request follow-up",
			"body": "Dear Records Officer, ...",
			"reasoning": ["statutory deadline passed"],
			"risk_flags": [],
			"confidence": 0.88
		}`)
		d, err := DecodeDraft(raw)
		if err != nil {
			t.Fatalf("DecodeDraft: %v", err)
		}
		if d.Subject == "" || d.Body == "" {
			t.Errorf("unexpected draft: %+v", d)
		}
	})

	t.Run("empty body rejected", func(t *testing.T) {
		raw := []byte(`{"schema_version": "draft/v1", "subject": "x", "body": "", "reasoning": [], "confidence": 0.5}`)
		if _, err := DecodeDraft(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("confidence out of range rejected", func(t *testing.T) {
		raw := []byte(`{"schema_version": "draft/v1", "subject": "x", "body": "y", "reasoning": [], "confidence": 1.4}`)
		if _, err := DecodeDraft(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("missing schema tag rejected", func(t *testing.T) {
		raw := []byte(`{"subject": "x", "body": "y", "reasoning": [], "confidence": 0.5}`)
		if _, err := DecodeDraft(raw); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("expected ErrSchemaMismatch, got %v", err)
		}
	})
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                          `{"a":1}`,
		"```json\n{\"a\":1}\n```":          `{"a":1}`,
		"```\n{\"a\":1}\n```":              `{"a":1}`,
		"  {\"a\":1}  ":                    `{"a":1}`,
	}
	for in, want := range cases {
		if got := string(extractJSON(in)); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
