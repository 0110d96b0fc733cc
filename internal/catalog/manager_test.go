package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/happyvocals/vocalbox/internal/config"
	"github.com/happyvocals/vocalbox/internal/store"
	"github.com/happyvocals/vocalbox/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T, client voice.Client) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(t.TempDir(), "catalog.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, client, newLogger()), st
}

func TestReconcileIsIdempotent(t *testing.T) {
	client := &voice.MockClient{Remote: []voice.RemoteVoice{
		{VoiceID: "v1", Name: "Alice"},
		{VoiceID: "v2", Name: "Bob"},
		{VoiceID: "v3", Name: "Charlie"},
	}}
	m, st := newManager(t, client)
	ctx := context.Background()

	for pass := 1; pass <= 2; pass++ {
		mapping, err := m.Reconcile(ctx, "key-1")
		if err != nil {
			t.Fatalf("reconcile pass %d: %v", pass, err)
		}
		if len(mapping) != 3 {
			t.Fatalf("pass %d: expected 3 entries, got %d", pass, len(mapping))
		}
		voices, err := st.ListVoices(ctx)
		if err != nil {
			t.Fatalf("list voices: %v", err)
		}
		if len(voices) != 3 {
			t.Fatalf("pass %d: expected 3 rows, got %d", pass, len(voices))
		}
	}
	if mapping, _ := m.Cached(ctx); mapping["Bob"] != "v2" {
		t.Fatalf("expected Bob mapped to v2, got %q", mapping["Bob"])
	}
}

func TestReconcileOverwritesRenamedVoice(t *testing.T) {
	client := &voice.MockClient{Remote: []voice.RemoteVoice{{VoiceID: "v1", Name: "Alice"}}}
	m, st := newManager(t, client)
	ctx := context.Background()

	if _, err := m.Reconcile(ctx, "key-1"); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	client.Remote = []voice.RemoteVoice{{VoiceID: "v1", Name: "Dr. Alice"}}
	mapping, err := m.Reconcile(ctx, "key-1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if mapping["Dr. Alice"] != "v1" {
		t.Fatalf("expected renamed entry, got %v", mapping)
	}
	voices, err := st.ListVoices(ctx)
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("rename must not create a duplicate row, got %d rows", len(voices))
	}
}

func TestReconcileMergesPreviouslyCachedVoices(t *testing.T) {
	client := &voice.MockClient{Remote: []voice.RemoteVoice{{VoiceID: "v2", Name: "Bob"}}}
	m, st := newManager(t, client)
	ctx := context.Background()

	if err := st.UpsertVoice(ctx, "v1", "Alice"); err != nil {
		t.Fatalf("seed cached voice: %v", err)
	}

	mapping, err := m.Reconcile(ctx, "key-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if mapping["Alice"] != "v1" || mapping["Bob"] != "v2" {
		t.Fatalf("expected merged mapping, got %v", mapping)
	}
}

func TestCachedWorksWithoutRemote(t *testing.T) {
	client := &voice.MockClient{ListErr: errors.New("network unreachable")}
	m, st := newManager(t, client)
	ctx := context.Background()

	if err := st.UpsertVoice(ctx, "v1", "Alice"); err != nil {
		t.Fatalf("seed cached voice: %v", err)
	}

	mapping, err := m.Cached(ctx)
	if err != nil {
		t.Fatalf("cached lookup must not touch the network: %v", err)
	}
	if mapping["Alice"] != "v1" {
		t.Fatalf("expected cached entry, got %v", mapping)
	}
	if client.ListCalls != 0 {
		t.Fatalf("cached lookup made %d remote calls", client.ListCalls)
	}
}

func TestAddVoicePersistsAssignedID(t *testing.T) {
	client := &voice.MockClient{AddID: "v123"}
	m, st := newManager(t, client)
	ctx := context.Background()

	id, err := m.Add(ctx, "key-1", "Prof. Rao", "/tmp/sample.mp3")
	if err != nil {
		t.Fatalf("add voice: %v", err)
	}
	if id != "v123" {
		t.Fatalf("expected assigned id v123, got %q", id)
	}
	voices, err := st.ListVoices(ctx)
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(voices) != 1 || voices[0].VoiceID != "v123" {
		t.Fatalf("expected persisted voice row, got %+v", voices)
	}
}

func TestAddVoiceFailureLeavesNoRow(t *testing.T) {
	client := &voice.MockClient{AddErr: &voice.APIError{Status: 400, Body: "bad sample"}}
	m, st := newManager(t, client)
	ctx := context.Background()

	_, err := m.Add(ctx, "key-1", "Prof. Rao", "/tmp/sample.mp3")
	if err == nil {
		t.Fatal("expected upstream rejection to propagate")
	}
	voices, err := st.ListVoices(ctx)
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(voices) != 0 {
		t.Fatalf("expected no rows after failed add, got %d", len(voices))
	}
}
