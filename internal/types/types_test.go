package types

import (
	"errors"
	"testing"
	"time"
)

func TestInferPrefersNarrowestType(t *testing.T) {
	cases := []struct {
		name   string
		series []any
		want   ColumnType
	}{
		{"integers", []any{int64(1), int64(2), nil}, ColumnTypeInteger},
		{"mixed numeric", []any{int64(1), 2.5}, ColumnTypeDouble},
		{"booleans", []any{true, false, nil}, ColumnTypeBoolean},
		{"bool strings", []any{"true", "False"}, ColumnTypeBoolean},
		{"integer strings", []any{"10", "20"}, ColumnTypeInteger},
		{"datetimes", []any{"2023-01-02T10:00:00Z", "2023-02-01"}, ColumnTypeDatetime},
		{"free text", []any{"a@x", "b@x"}, ColumnTypeString},
		{"all null", []any{nil, nil}, ColumnTypeString},
	}
	for _, tc := range cases {
		if got := Infer(tc.series); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestCoerceRoundTrips(t *testing.T) {
	got, err := Coerce("42", ColumnTypeInteger, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(int64) != 42 {
		t.Fatalf("expected 42, got %v", got)
	}

	got, err = Coerce(7.0, ColumnTypeInteger, nil)
	if err != nil {
		t.Fatalf("whole float should coerce to integer: %v", err)
	}
	if got.(int64) != 7 {
		t.Fatalf("expected 7, got %v", got)
	}

	if _, err = Coerce(7.5, ColumnTypeInteger, nil); !errors.Is(err, ErrCoerce) {
		t.Fatalf("fractional value must fail integer coercion, got %v", err)
	}

	got, err = Coerce(nil, ColumnTypeBoolean, nil)
	if err != nil || got != nil {
		t.Fatalf("nil must pass through for every type, got %v %v", got, err)
	}
}

func TestCoerceDatetimeAppliesLocation(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	got, err := Coerce("2023-03-01 09:30:00", ColumnTypeDatetime, sydney)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed := got.(time.Time)
	if parsed.Location().String() != sydney.String() {
		t.Fatalf("expected workspace timezone, got %s", parsed.Location())
	}

	got, err = Coerce("2023-03-01T09:30:00+11:00", ColumnTypeDatetime, sydney)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, offset := got.(time.Time).Zone()
	if offset != 11*3600 {
		t.Fatalf("explicit offset must be preserved, got %d", offset)
	}
}

func TestWiden(t *testing.T) {
	widened, err := Widen(ColumnTypeInteger, ColumnTypeDouble)
	if err != nil || widened != ColumnTypeDouble {
		t.Fatalf("integer+double must widen to double, got %s %v", widened, err)
	}
	if _, err := Widen(ColumnTypeBoolean, ColumnTypeInteger); !errors.Is(err, ErrIncompatibleTypes) {
		t.Fatalf("booleans never widen, got %v", err)
	}
	widened, err = Widen(ColumnTypeDatetime, ColumnTypeDatetime)
	if err != nil || widened != ColumnTypeDatetime {
		t.Fatalf("identical types widen to themselves, got %s %v", widened, err)
	}
}

func TestIsUnique(t *testing.T) {
	if !IsUnique([]any{"a", "b", "c"}) {
		t.Fatalf("distinct values must be unique")
	}
	if IsUnique([]any{"a", "a"}) {
		t.Fatalf("duplicates must not be unique")
	}
	if IsUnique([]any{"a", nil}) {
		t.Fatalf("a null breaks key status")
	}
}
