package authproviders

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
)

const defaultGraphURL = "https://graph.facebook.com"

// Facebook validates access tokens against the Graph API.
type Facebook struct {
	graphURL string
	client   *retryablehttp.Client
}

type FacebookOption func(*Facebook)

// WithGraphURL overrides the Graph API endpoint. Used in tests.
func WithGraphURL(u string) FacebookOption {
	return func(f *Facebook) { f.graphURL = u }
}

func NewFacebook(opts ...FacebookOption) *Facebook {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	f := &Facebook{graphURL: defaultGraphURL, client: client}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateAuthData checks that the access token belongs to the claimed user
// id.
func (f *Facebook) ValidateAuthData(ctx context.Context, authData object.Object) error {
	id, _ := authData["id"].(string)
	token, _ := authData["access_token"].(string)
	if id == "" || token == "" {
		return serverErrors.New(serverErrors.CodeObjectNotFound, "Facebook auth is invalid for this user.")
	}

	body, err := f.get(ctx, "/me?fields=id&access_token="+url.QueryEscape(token))
	if err != nil {
		return err
	}
	if gjson.GetBytes(body, "id").String() != id {
		return serverErrors.New(serverErrors.CodeObjectNotFound, "Facebook auth is invalid for this user.")
	}
	return nil
}

// ValidateAppID checks that the token was issued to one of the configured
// Facebook app ids.
func (f *Facebook) ValidateAppID(ctx context.Context, appIDs []string, authData object.Object) error {
	if len(appIDs) == 0 {
		return serverErrors.New(serverErrors.CodeObjectNotFound, "Facebook auth is not configured.")
	}
	token, _ := authData["access_token"].(string)

	body, err := f.get(ctx, "/app?access_token="+url.QueryEscape(token))
	if err != nil {
		return err
	}
	appID := gjson.GetBytes(body, "id").String()
	for _, allowed := range appIDs {
		if appID == allowed {
			return nil
		}
	}
	return serverErrors.New(serverErrors.CodeObjectNotFound, "Facebook auth is invalid for this user.")
}

func (f *Facebook) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", f.graphURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facebook graph request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, serverErrors.New(serverErrors.CodeObjectNotFound, "Facebook auth is invalid for this user.")
	}
	return body, nil
}
