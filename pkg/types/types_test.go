package types_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/avatarcast/pkg/types"
)

func TestCanceledError_MatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("avatar: speak: %w", &types.CanceledError{Reason: "Error", Detail: "voice not found"})
	if !errors.Is(err, types.ErrProviderCanceled) {
		t.Fatal("errors.Is(err, ErrProviderCanceled) = false, want true")
	}
	if errors.Is(err, types.ErrProviderUnavailable) {
		t.Error("CanceledError must not match ErrProviderUnavailable")
	}

	var ce *types.CanceledError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As failed to extract *CanceledError")
	}
	if ce.Detail != "voice not found" {
		t.Errorf("Detail = %q, want %q", ce.Detail, "voice not found")
	}
}

func TestCanceledError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *types.CanceledError
		want string
	}{
		{"without reason", &types.CanceledError{Detail: "boom"}, "provider canceled: boom"},
		{"with reason", &types.CanceledError{Reason: "Error", Detail: "boom"}, "provider canceled (Error): boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSpeechPCM_Duration(t *testing.T) {
	t.Parallel()

	if got := types.SpeechPCM.BytesPerSecond(); got != 32000 {
		t.Fatalf("BytesPerSecond = %d, want 32000", got)
	}
	if got := types.SpeechPCM.Duration(3200); got != 100*time.Millisecond {
		t.Errorf("Duration(3200) = %v, want 100ms", got)
	}
	if got := (types.AudioFormat{}).Duration(10); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}
