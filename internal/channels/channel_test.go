package channels_test

import (
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/channels"
)

// Compile-time interface checks: both adapters must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)
var _ channels.Channel = (*channels.ConsoleChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if got := ch.Name(); got != "talk" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "talk")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil, nil)
	if got := ch.Name(); got != "talk" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "talk")
	}
}

func TestConsoleChannel_Name(t *testing.T) {
	ch := channels.NewConsoleChannel(":0", nil, nil)
	if got := ch.Name(); got != "console" {
		t.Fatalf("ConsoleChannel.Name() = %q, want %q", got, "console")
	}
}
