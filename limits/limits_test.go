package limits

import (
	"errors"
	"strings"
	"testing"
)

// TestMaxDatagramCalculation verifies that MaxDatagram is correctly
// calculated as HeaderSize + BlockSize
func TestMaxDatagramCalculation(t *testing.T) {
	if MaxDatagram != 516 {
		t.Errorf("MaxDatagram = %d, want 516", MaxDatagram)
	}
	if ReceiveBuffer <= MaxDatagram {
		t.Errorf("ReceiveBuffer = %d must exceed MaxDatagram %d", ReceiveBuffer, MaxDatagram)
	}
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid", "boot.img", nil},
		{"empty", "", ErrNameEmpty},
		{"at limit", strings.Repeat("a", MaxFileNameLength), nil},
		{"over limit", strings.Repeat("a", MaxFileNameLength+1), ErrNameTooLong},
		{"embedded nul", "a\x00b", ErrNameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileName(tt.input)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateFileName(%q) unexpected error: %v", tt.input, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateFileName(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMode(t *testing.T) {
	if err := ValidateMode("octet"); err != nil {
		t.Errorf("ValidateMode(octet) unexpected error: %v", err)
	}
	if err := ValidateMode(strings.Repeat("m", MaxModeLength+1)); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("expected ErrNameTooLong, got %v", err)
	}
}

func TestValidatePayload(t *testing.T) {
	testSizes := []int{0, 1, BlockSize - 1, BlockSize}
	for _, size := range testSizes {
		if err := ValidatePayload(make([]byte, size)); err != nil {
			t.Errorf("ValidatePayload(%d bytes) unexpected error: %v", size, err)
		}
	}

	err := ValidatePayload(make([]byte, BlockSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestIsFinalPayload(t *testing.T) {
	if !IsFinalPayload(0) {
		t.Error("empty payload must be final")
	}
	if !IsFinalPayload(BlockSize - 1) {
		t.Error("short payload must be final")
	}
	if IsFinalPayload(BlockSize) {
		t.Error("full payload must not be final")
	}
}
