package persistence

import (
	"context"
	"testing"
)

func TestUpsertGroup_InsertAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := RegisteredGroup{JID: "123@g.us", Name: "Team Chat", Folder: "team-chat", RequiresTrigger: true, AssistantName: "claw", IsMain: false}
	if err := s.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetGroup(ctx, g.JID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != g {
		t.Fatalf("got %+v, want %+v", got, g)
	}

	g.Name = "Renamed Team Chat"
	g.RequiresTrigger = false
	if err := s.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetGroup(ctx, g.JID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Name != "Renamed Team Chat" || got.RequiresTrigger {
		t.Fatalf("update did not apply: %+v", got)
	}
}

func TestListGroups_OrderedByFolder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, f := range []string{"zebra", "alpha", "mango"} {
		g := RegisteredGroup{JID: f + "@g.us", Name: f, Folder: f}
		if err := s.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("insert %s: %v", f, err)
		}
	}

	groups, err := s.ListGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	want := []string{"alpha", "mango", "zebra"}
	for i, g := range groups {
		if g.Folder != want[i] {
			t.Fatalf("groups[%d].Folder = %q, want %q", i, g.Folder, want[i])
		}
	}
}

func TestDeleteGroup_RemovesCursorToo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := RegisteredGroup{JID: "123@g.us", Name: "Team", Folder: "team"}
	if err := s.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetGroupLastAgentTimestamp(ctx, g.JID, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	if err := s.DeleteGroup(ctx, g.JID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetGroup(ctx, g.JID); err == nil {
		t.Fatal("expected error fetching deleted group")
	}
	gc, err := s.GetGroupCursor(ctx, g.JID)
	if err != nil {
		t.Fatalf("get cursor after delete: %v", err)
	}
	if gc.LastAgentTimestamp != "" {
		t.Fatalf("expected cursor gone, got %+v", gc)
	}
}
