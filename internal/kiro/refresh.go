package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// RefreshURLTemplate is the social-auth token refresh endpoint.
	RefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// RefreshIDCURLTemplate is the AWS IDC (builder-id) token refresh endpoint.
	RefreshIDCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout bounds a single refresh call.
	RefreshTimeout = 15 * time.Second
)

// RefreshParams carries everything RefreshToken needs to pick an endpoint
// and build the right request body for an account's auth method.
type RefreshParams struct {
	Region       string
	IDCRegion    string
	RefreshToken string
	AuthMethod   string // "social" (default) or "idc"
	ClientID     string
	ClientSecret string
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type idcRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
}

// RefreshResult is the parsed refresh response.
type RefreshResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	ProfileARN   string `json:"profileArn,omitempty"`
}

// RefreshToken exchanges a refresh token for a fresh access token, using the
// social or IDC (builder-id) endpoint and body shape per params.AuthMethod.
func (c *Client) RefreshToken(ctx context.Context, params RefreshParams) (*RefreshResult, error) {
	var refreshURL string
	var bodyBytes []byte
	var err error

	if params.AuthMethod != "" && params.AuthMethod != "social" {
		idcRegion := params.IDCRegion
		if idcRegion == "" {
			idcRegion = params.Region
		}
		refreshURL = fmt.Sprintf(RefreshIDCURLTemplate, idcRegion)

		bodyBytes, err = json.Marshal(idcRefreshRequest{
			RefreshToken: params.RefreshToken,
			ClientID:     params.ClientID,
			ClientSecret: params.ClientSecret,
			GrantType:    "refresh_token",
		})
		if err != nil {
			return nil, fmt.Errorf("kiro: marshal idc refresh request: %w", err)
		}
		c.logger.Debug("refreshing token via idc", "idc_region", idcRegion)
	} else {
		region := params.Region
		if region == "" {
			region = "us-east-1"
		}
		refreshURL = fmt.Sprintf(RefreshURLTemplate, region)

		bodyBytes, err = json.Marshal(socialRefreshRequest{RefreshToken: params.RefreshToken})
		if err != nil {
			return nil, fmt.Errorf("kiro: marshal refresh request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("kiro: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 KiroIDE")
	req.Header.Set("User-Agent", "aws-sdk-js/1.0.0 KiroIDE")

	c.logger.Debug("refreshing token", "url", refreshURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro: refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiro: read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("token refresh failed", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("kiro: token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result RefreshResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kiro: parse refresh response: %w", err)
	}

	c.logger.Debug("token refreshed")
	return &result, nil
}
