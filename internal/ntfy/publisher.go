package ntfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ntfy-daemon/ntfyd/internal/credentials"
	"github.com/ntfy-daemon/ntfyd/internal/httpclient"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
)

// httpPublisher implements subscription.Publisher over httpclient.Client:
// POST the message JSON to the bare server URL, attaching Basic auth when
// a credential is on file.
type httpPublisher struct {
	client httpclient.Client
	creds  *credentials.Store
}

func (p *httpPublisher) Publish(ctx context.Context, server, topic string, msg model.Message) error {
	msg.Topic = topic
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	builder := p.client.Post(trimTrailingSlash(server), bytes.NewReader(data))
	if cred, ok := p.creds.Get(server); ok {
		builder = builder.BasicAuth(cred.Username, cred.Password)
	}
	req, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}

	resp, err := p.client.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ntfyerr.ErrNonSuccessStatus{StatusCode: resp.StatusCode}
	}
	return nil
}
