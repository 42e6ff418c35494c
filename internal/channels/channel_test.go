package channels_test

import (
	"testing"

	"github.com/basket/groupgate/internal/channels"
)

// Compile-time interface checks: TelegramChannel must implement both the
// receive-side Channel contract and the send-side ChannelDriver contract.
var _ channels.Channel = (*channels.TelegramChannel)(nil)
var _ channels.ChannelDriver = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	// Name() returns a constant and touches no dependencies, so a minimal
	// instance with a nil store is safe to construct for this check alone.
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with populated allowlist")
	}
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}
