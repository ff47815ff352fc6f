package invite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Invite is a published community invite record.
type Invite struct {
	Code          string `json:"code"`
	CommunityID   string `json:"community_id"`
	CommunityName string `json:"community_name"`
	InviterDID    string `json:"inviter_did,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	InvitePayload string `json:"invite_payload"`
}

const defaultResolveTimeout = 10 * time.Second

// Resolver looks an invite code up across multiple relay servers.
type Resolver struct {
	// BaseURLs are relay HTTP endpoints tried in order.
	BaseURLs []string
	// Client defaults to one with a modest timeout.
	Client *http.Client
}

// NewResolver creates a resolver over the given relay base URLs.
func NewResolver(baseURLs []string) *Resolver {
	return &Resolver{
		BaseURLs: baseURLs,
		Client:   &http.Client{Timeout: defaultResolveTimeout},
	}
}

// Resolve fetches the invite record for code. Each base URL is tried in
// order; a 404 means the code is unknown to that relay and a network
// error means the relay is unreachable, both advance to the next
// candidate. Returns (nil, nil) when every candidate is exhausted.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Invite, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: defaultResolveTimeout}
	}

	for _, base := range r.BaseURLs {
		url := fmt.Sprintf("%s/api/invite/%s", strings.TrimRight(base, "/"), code)
		invite, err := r.fetch(ctx, client, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"url":      url,
				"error":    err,
			}).Debug("Invite lookup failed, trying next relay")
			continue
		}
		if invite != nil {
			return invite, nil
		}
	}
	return nil, nil
}

// fetch returns (nil, nil) on 404 so the caller moves on quietly.
func (r *Resolver) fetch(ctx context.Context, client *http.Client, url string) (*Invite, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var invite Invite
	if err := json.NewDecoder(resp.Body).Decode(&invite); err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	return &invite, nil
}
