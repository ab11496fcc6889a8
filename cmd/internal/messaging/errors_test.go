package messaging

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestKindMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want error
	}{
		{OpError{Op: "x", Kind: ErrInvalidInput}, ErrInvalidInput},
		{OpError{Op: "x", Kind: ErrForbidden}, ErrForbidden},
		{OpError{Op: "x", Kind: ErrNotFound}, ErrNotFound},
		{ConflictError{Op: "x", Field: "conversation_key"}, ErrConflict},
		{OpError{Op: "x", Kind: ErrUnavailable}, ErrUnavailable},
		{errors.New("boom"), ErrInternal},
	}

	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v)=%v want %v", tc.err, got, tc.want)
		}
	}

	if Kind(nil) != nil {
		t.Fatalf("Kind(nil) must be nil")
	}
}

func TestClassifyPG(t *testing.T) {
	t.Parallel()

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "uq_conversations_pair_context"}
	if err := classifyPG("op", unique); !IsConflict(err) {
		t.Fatalf("unique violation must map to conflict, got %v", err)
	}

	fk := &pgconn.PgError{Code: "23503"}
	if err := classifyPG("op", fk); !IsInvalidInput(err) {
		t.Fatalf("fk violation must map to invalid input, got %v", err)
	}

	down := &pgconn.PgError{Code: "08006"}
	if err := classifyPG("op", down); !IsUnavailable(err) {
		t.Fatalf("connection failure must map to unavailable, got %v", err)
	}

	other := errors.New("boom")
	if err := classifyPG("op", other); !errors.Is(err, other) {
		t.Fatalf("unknown errors must pass through, got %v", err)
	}

	if classifyPG("op", nil) != nil {
		t.Fatalf("classifyPG(nil) must be nil")
	}
}

func TestOutcomeForError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{OpError{Op: "x", Kind: ErrInvalidInput}, OutcomeBadRequest},
		{OpError{Op: "x", Kind: ErrForbidden}, OutcomeForbidden},
		{OpError{Op: "x", Kind: ErrNotFound}, OutcomeNotFound},
		{ConflictError{Op: "x"}, OutcomeConflict},
		{OpError{Op: "x", Kind: ErrUnavailable}, OutcomeUnavailable},
		{errors.New("boom"), OutcomeError},
	}

	for _, tc := range cases {
		if got := OutcomeForError(tc.err); got != tc.want {
			t.Fatalf("OutcomeForError(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}
