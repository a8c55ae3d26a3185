package pages

import (
	"errors"
	"strings"
	"testing"
)

func TestNewPageIDValidation(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "accepts plain id", input: "page-1", want: "page-1"},
		{name: "trims whitespace", input: "  page-1  ", want: "page-1"},
		{name: "rejects empty", input: "", wantErr: ErrInvalidPageID},
		{name: "rejects whitespace only", input: "   ", wantErr: ErrInvalidPageID},
		{name: "rejects overlong", input: strings.Repeat("a", maxIdentifierLength+1), wantErr: ErrInvalidPageID},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			id, err := NewPageID(testCase.input)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != testCase.want {
				t.Fatalf("unexpected id: got %q, want %q", id.String(), testCase.want)
			}
		})
	}
}

func TestNewOwnerIDValidation(t *testing.T) {
	if _, err := NewOwnerID(""); !errors.Is(err, ErrInvalidOwnerID) {
		t.Fatalf("expected %v, got %v", ErrInvalidOwnerID, err)
	}
	if _, err := NewOwnerID(strings.Repeat("b", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidOwnerID) {
		t.Fatalf("expected %v, got %v", ErrInvalidOwnerID, err)
	}
	id, err := NewOwnerID(" owner-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "owner-1" {
		t.Fatalf("unexpected owner id: %q", id.String())
	}
}
