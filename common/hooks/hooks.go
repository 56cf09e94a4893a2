// Package hooks manages the rendezvous points a workflow opens for external
// input. A hook is addressed by an unguessable token; delivering a payload
// to the token appends a hook_received event and wakes the owning run.
package hooks

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/crypto"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/storage"
	"github.com/loomhq/loom/common/streamer"
)

// ErrDisposed rejects deliveries to hooks whose run already terminated.
var ErrDisposed = errors.New("hooks: hook is disposed")

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewToken returns a fresh hook token: 16 random bytes, base32 lowercase,
// no padding. 26 characters.
func NewToken() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("hooks: token entropy: %w", err)
	}
	return strings.ToLower(tokenEncoding.EncodeToString(raw[:])), nil
}

// ResponseStreamName is where a webhook's HTTP response is written.
func ResponseStreamName(hookID string) string {
	return "hookresp_" + hookID
}

// Registry resolves tokens and delivers payloads.
type Registry struct {
	Storage   storage.Storage
	Streamer  streamer.Streamer
	Encryptor *crypto.Encryptor
	Classes   *codec.ClassRegistry
	Logger    *logger.Logger

	// Wake re-enqueues the owning run's workflow queue after a delivery.
	Wake func(ctx context.Context, runID string) error
}

// ResumeHook delivers a payload to the hook behind token. The payload is
// encoded and encrypted under the owning run before it touches the log.
func (r *Registry) ResumeHook(ctx context.Context, token string, payload any) (*event.Hook, error) {
	hook, err := r.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.deliver(ctx, hook, payload); err != nil {
		return nil, err
	}
	return hook, nil
}

// ResumeWebhook delivers an HTTP-shaped payload and installs a response
// stream the workflow can write the HTTP response through. The returned
// stream name is what the caller should tail.
func (r *Registry) ResumeWebhook(ctx context.Context, token string, payload any) (*event.Hook, string, error) {
	hook, err := r.lookup(ctx, token)
	if err != nil {
		return nil, "", err
	}

	respStream := ResponseStreamName(hook.HookID)
	wrapped := map[string]any{
		"body":     payload,
		"response": codec.StreamRef{Name: respStream, RunID: hook.RunID},
	}
	if err := r.deliver(ctx, hook, wrapped); err != nil {
		return nil, "", err
	}
	return hook, streamer.Qualify(respStream), nil
}

func (r *Registry) lookup(ctx context.Context, token string) (*event.Hook, error) {
	hook, err := r.Storage.GetHookByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if hook.Disposed {
		return nil, fmt.Errorf("%w: %s", ErrDisposed, hook.HookID)
	}
	return hook, nil
}

func (r *Registry) deliver(ctx context.Context, hook *event.Hook, payload any) error {
	encoded, err := codec.Encode(payload, &codec.EncodeOptions{Classes: r.Classes})
	if err != nil {
		return fmt.Errorf("hooks: encode payload: %w", err)
	}
	sealed, err := r.Encryptor.Encrypt(encoded, hook.RunID)
	if err != nil {
		return err
	}

	_, err = r.Storage.AppendEvent(ctx, &event.Event{
		RunID:         hook.RunID,
		Type:          event.HookReceived,
		CorrelationID: hook.CorrelationID,
		Name:          hook.Name,
		Data:          sealed,
	}, nil)
	if err != nil {
		return err
	}

	if r.Logger != nil {
		r.Logger.WithRunID(hook.RunID).Info("hook payload delivered", "hook_id", hook.HookID)
	}
	if r.Wake != nil {
		return r.Wake(ctx, hook.RunID)
	}
	return nil
}
