package presetexpander

import (
	"testing"
	"time"

	"github.com/wisbric/novarelay/pkg/store"
	"github.com/wisbric/novarelay/pkg/varengine"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestExpandNilPresetIsIdentity(t *testing.T) {
	x := New(varengine.New())
	inbound := []Message{{Role: "user", Content: "Hi"}}

	got := x.Expand(nil, inbound, 1, fixedNow())

	if len(got) != 1 || got[0] != inbound[0] {
		t.Errorf("Expand(nil preset) = %v, want identity %v", got, inbound)
	}
}

func TestExpandUserInputUsesLastUserMessage(t *testing.T) {
	x := New(varengine.New())
	preset := &store.Preset{
		Items: []store.PresetItem{
			{Role: store.RoleSystem, Type: store.ItemTypeNormal, Content: "Hello {{date}}", Enabled: true, SortOrder: 0},
			{Role: store.RoleUser, Type: store.ItemTypeUserInput, Content: "ignored", Enabled: true, SortOrder: 1},
		},
	}
	inbound := []Message{{Role: "user", Content: "Hi"}}

	got := x.Expand(preset, inbound, 1, fixedNow())

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(got), got)
	}
	if got[0].Role != "system" || got[0].Content != "Hello 2026-01-01" {
		t.Errorf("system message = %+v", got[0])
	}
	if got[1].Role != "user" || got[1].Content != "Hi" {
		t.Errorf("user_input message = %+v, want last inbound user message", got[1])
	}
}

func TestExpandNoUserInputItemAppendsLastUserMessage(t *testing.T) {
	x := New(varengine.New())
	preset := &store.Preset{
		Items: []store.PresetItem{
			{Role: store.RoleSystem, Type: store.ItemTypeNormal, Content: "System prompt", Enabled: true, SortOrder: 0},
		},
	}
	inbound := []Message{{Role: "user", Content: "Hello there"}}

	got := x.Expand(preset, inbound, 1, fixedNow())

	if len(got) != 2 {
		t.Fatalf("expected fallback append, got %+v", got)
	}
	if got[len(got)-1].Role != "user" || got[len(got)-1].Content != "Hello there" {
		t.Errorf("last message = %+v, want the inbound user message appended", got[len(got)-1])
	}
}

func TestExpandHistoryOnlyPresetStillAppendsLastUser(t *testing.T) {
	// Boundary behavior from SPEC_FULL.md §8: a preset with only a history
	// item and no user_input item still results in the final inbound user
	// message being appended.
	x := New(varengine.New())
	preset := &store.Preset{
		Items: []store.PresetItem{
			{Role: store.RoleUser, Type: store.ItemTypeHistory, Enabled: true, SortOrder: 0},
		},
	}
	inbound := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}

	got := x.Expand(preset, inbound, 1, fixedNow())

	want := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExpandHistoryExcludesLastUserMessage(t *testing.T) {
	x := New(varengine.New())
	preset := &store.Preset{
		Items: []store.PresetItem{
			{Role: store.RoleUser, Type: store.ItemTypeHistory, Enabled: true, SortOrder: 0},
			{Role: store.RoleUser, Type: store.ItemTypeUserInput, Enabled: true, SortOrder: 1},
		},
	}
	inbound := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}

	got := x.Expand(preset, inbound, 1, fixedNow())

	if len(got) != 3 {
		t.Fatalf("expected history (2 msgs, excluding last user) + user_input (1 msg), got %+v", got)
	}
	if got[2].Content != "second" {
		t.Errorf("user_input should carry the last user message, got %+v", got[2])
	}
	for _, m := range got[:2] {
		if m.Content == "second" {
			t.Errorf("history should exclude the last user message, found it at %+v", m)
		}
	}
}

func TestExpandDisabledItemsSkipped(t *testing.T) {
	x := New(varengine.New())
	preset := &store.Preset{
		Items: []store.PresetItem{
			{Role: store.RoleSystem, Type: store.ItemTypeNormal, Content: "disabled", Enabled: false, SortOrder: 0},
			{Role: store.RoleUser, Type: store.ItemTypeUserInput, Enabled: true, SortOrder: 1},
		},
	}
	inbound := []Message{{Role: "user", Content: "Hi"}}

	got := x.Expand(preset, inbound, 1, fixedNow())

	if len(got) != 1 {
		t.Fatalf("disabled item should be skipped entirely, got %+v", got)
	}
}
