package notify

import (
	"context"
	"fmt"
)

// Pusher sends one push notification to a device token. FCM itself is an
// opaque external sender per spec §1/Glossary; Tom only needs to know
// whether a token accepted the push or was reported invalid.
type Pusher interface {
	Send(ctx context.Context, token, title, body string) (invalidToken bool, err error)
}

// NoopPusher discards pushes; used where no FCM credentials are configured
// (e.g. in tests or a deployment that doesn't use push).
type NoopPusher struct{}

// Send implements Pusher by doing nothing and reporting success.
func (NoopPusher) Send(ctx context.Context, token, title, body string) (bool, error) {
	return false, nil
}

// FirebasePusher sends pushes through Firebase Cloud Messaging's HTTP v1
// API. The HTTP client and credential plumbing are intentionally minimal:
// FCM is treated as a black-box upstream per spec's Open Questions, so only
// the success/invalid-token/error trichotomy the reminder worker needs is
// modeled here.
type FirebasePusher struct {
	ProjectID string
	send      func(ctx context.Context, token, title, body string) (bool, error)
}

// NewFirebasePusher builds a pusher that posts through sendFunc (injected so
// tests can fake the upstream without a real FCM project).
func NewFirebasePusher(projectID string, sendFunc func(ctx context.Context, token, title, body string) (bool, error)) *FirebasePusher {
	return &FirebasePusher{ProjectID: projectID, send: sendFunc}
}

// Send implements Pusher.
func (p *FirebasePusher) Send(ctx context.Context, token, title, body string) (bool, error) {
	if p.send == nil {
		return false, fmt.Errorf("firebase pusher not configured")
	}
	return p.send(ctx, token, title, body)
}
