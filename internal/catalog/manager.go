// Package catalog keeps the local voice catalog consistent with the
// remote voice service. The remote list is the source of truth; the
// local store lets voice selection keep working when no service key is
// configured.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/happyvocals/vocalbox/internal/store"
	"github.com/happyvocals/vocalbox/internal/voice"
)

type Manager struct {
	store  *store.Store
	client voice.Client
	logger *slog.Logger
}

func NewManager(st *store.Store, client voice.Client, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		client: client,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

// Reconcile fetches the remote catalog, upserts every entry into the
// store keyed by voice id, and returns the merged name to id mapping.
// A voice renamed upstream overwrites the cached name. Reconciling an
// unchanged remote catalog is a no-op on the stored rows.
func (m *Manager) Reconcile(ctx context.Context, apiKey string) (map[string]string, error) {
	remote, err := m.client.List(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("fetch remote catalog: %w", err)
	}
	for _, v := range remote {
		if err := m.store.UpsertVoice(ctx, v.VoiceID, v.Name); err != nil {
			return nil, err
		}
	}
	m.logger.Info("voice catalog reconciled", slog.Int("remote_voices", len(remote)))
	return m.Cached(ctx)
}

// Cached returns the name to id mapping from the local store only,
// for selection when no remote key is configured.
func (m *Manager) Cached(ctx context.Context) (map[string]string, error) {
	voices, err := m.store.ListVoices(ctx)
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(voices))
	for _, v := range voices {
		mapping[v.Name] = v.VoiceID
	}
	return mapping, nil
}

// Add clones a new voice from an audio sample and caches the assigned
// id locally.
func (m *Manager) Add(ctx context.Context, apiKey, name, samplePath string) (string, error) {
	voiceID, err := m.client.Add(ctx, apiKey, name, samplePath)
	if err != nil {
		return "", err
	}
	if err := m.store.UpsertVoice(ctx, voiceID, name); err != nil {
		return "", err
	}
	m.logger.Info("voice added", slog.String("voice_id", voiceID), slog.String("name", name))
	return voiceID, nil
}
