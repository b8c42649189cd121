package user

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"Alice@Example.COM", "alice@example.com"},
		{"  bob@example.com  ", "bob@example.com"},
		{"carol@example.com", "carol@example.com"},
	}

	for _, tt := range tests {
		if got := NormalizeEmail(tt.input); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "alice@example.com", false},
		{"short local part", "a@b", false},
		{"missing at", "alice.example.com", true},
		{"leading at", "@example.com", true},
		{"trailing at", "alice@", true},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 250) + "@x.io", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateEmail(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrEmailFormat) {
				t.Errorf("ValidateEmail(%q) error = %v, want ErrEmailFormat", tt.input, err)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"valid", "alice", "alice", nil},
		{"trims whitespace", "  bob-42  ", "bob-42", nil},
		{"dots and underscores", "a.b_c", "a.b_c", nil},
		{"two chars", "ab", "ab", nil},
		{"32 chars", strings.Repeat("a", 32), strings.Repeat("a", 32), nil},
		{"one char", "a", "", ErrUsernameLength},
		{"33 chars", strings.Repeat("a", 33), "", ErrUsernameLength},
		{"whitespace only", "   ", "", ErrUsernameLength},
		{"space inside", "al ice", "", ErrUsernameFormat},
		{"at sign", "al@ice", "", ErrUsernameFormat},
		{"non-latin", "алиса", "", ErrUsernameFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateUsername(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateUsername(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateUsername(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   *string
		want    string
		wantErr bool
	}{
		{"nil is valid", nil, "", false},
		{"valid", ptr("Alice Doe"), "Alice Doe", false},
		{"trims whitespace", ptr("  Alice  "), "Alice", false},
		{"32 runes", ptr(strings.Repeat("中", 32)), strings.Repeat("中", 32), false},
		{"33 runes", ptr(strings.Repeat("中", 33)), "", true},
		{"empty", ptr(""), "", true},
		{"whitespace only", ptr("   "), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var input *string
			if tt.input != nil {
				cp := *tt.input
				input = &cp
			}
			err := ValidateDisplayName(input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDisplayNameLength) {
				t.Errorf("ValidateDisplayName() error = %v, want ErrDisplayNameLength", err)
			}
			if err == nil && input != nil && *input != tt.want {
				t.Errorf("ValidateDisplayName() mutated value = %q, want %q", *input, tt.want)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "correct horse battery", false},
		{"8 chars", "12345678", false},
		{"128 chars", strings.Repeat("a", 128), false},
		{"7 chars", "1234567", true},
		{"129 chars", strings.Repeat("a", 129), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePassword(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPasswordLength) {
				t.Errorf("ValidatePassword() error = %v, want ErrPasswordLength", err)
			}
		})
	}
}

func ptr(s string) *string { return &s }
