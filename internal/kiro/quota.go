package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// usageLimitsURL is the AWS usage-limits endpoint. Grounded on the original
// implementation's check_usage_limits call (AwsUsageLimitsResponse shape).
const usageLimitsURL = "https://codewhisperer.us-east-1.amazonaws.com/getUsageLimits?isEmailRequired=true&origin=AI_EDITOR&resourceType=AGENTIC_REQUEST"

// FreeTrial is the optional free-trial allowance layered on top of a
// UsageLimits reading.
type FreeTrial struct {
	Status       string
	UsageLimit   float64
	CurrentUsage float64
	Expiry       *time.Time
}

// UsageLimits is one quota reading fetched from the upstream usage-limits
// endpoint.
type UsageLimits struct {
	ResourceType     string
	UsageLimit       float64
	CurrentUsage     float64
	Available        float64
	NextReset        *time.Time
	FreeTrial        *FreeTrial
	UserEmail        string
	SubscriptionType string
}

// awsUsageLimitsResponse mirrors the upstream JSON shape.
type awsUsageLimitsResponse struct {
	UsageBreakdownList []awsUsageBreakdown `json:"usageBreakdownList"`
	FreeTrialInfo       *awsFreeTrialInfo   `json:"freeTrialInfo,omitempty"`
	UserInfo            *awsUserInfo        `json:"userInfo,omitempty"`
	SubscriptionInfo     *awsSubscriptionInfo `json:"subscriptionInfo,omitempty"`
}

type awsUsageBreakdown struct {
	ResourceType string  `json:"resourceType"`
	UsageLimit   float64 `json:"usageLimit"`
	CurrentUsage float64 `json:"currentUsage"`
	// NextDateReset is epoch millis, 0 if absent.
	NextDateReset int64 `json:"nextDateReset,omitempty"`
}

type awsFreeTrialInfo struct {
	Status       string  `json:"status"`
	UsageLimit   float64 `json:"usageLimit"`
	CurrentUsage float64 `json:"currentUsage"`
	// ExpiryDate is epoch millis, 0 if absent.
	ExpiryDate int64 `json:"freeTrialExpiry,omitempty"`
}

type awsUserInfo struct {
	Email string `json:"email,omitempty"`
}

type awsSubscriptionInfo struct {
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

// resourceTypeCredit is the usage-breakdown entry the gateway cares about;
// other entries in the response (if any) are ignored.
const resourceTypeCredit = "CREDIT"

// FetchUsageLimits queries the upstream usage-limits endpoint for the
// account owning bearer and returns the CREDIT breakdown. An ACTIVE free
// trial's limit and usage are added to it, and Available is clamped at 0.
func (c *Client) FetchUsageLimits(ctx context.Context, bearer string) (UsageLimits, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, usageLimitsURL, nil)
	if err != nil {
		return UsageLimits{}, fmt.Errorf("kiro: build usage-limits request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 KiroIDE")
	req.Header.Set("User-Agent", "aws-sdk-js/1.0.0 KiroIDE")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UsageLimits{}, fmt.Errorf("kiro: usage-limits request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UsageLimits{}, fmt.Errorf("kiro: read usage-limits response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("usage-limits probe failed", "status", resp.StatusCode, "body", string(body))
		return UsageLimits{}, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var parsed awsUsageLimitsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return UsageLimits{}, fmt.Errorf("kiro: parse usage-limits response: %w", err)
	}

	var breakdown awsUsageBreakdown
	found := false
	for _, b := range parsed.UsageBreakdownList {
		if b.ResourceType == resourceTypeCredit {
			breakdown = b
			found = true
			break
		}
	}
	if !found && len(parsed.UsageBreakdownList) > 0 {
		breakdown = parsed.UsageBreakdownList[0]
	}

	limits := UsageLimits{
		ResourceType: breakdown.ResourceType,
		UsageLimit:   breakdown.UsageLimit,
		CurrentUsage: breakdown.CurrentUsage,
	}
	if breakdown.NextDateReset > 0 {
		t := time.UnixMilli(breakdown.NextDateReset).UTC()
		limits.NextReset = &t
	}
	if parsed.UserInfo != nil {
		limits.UserEmail = parsed.UserInfo.Email
	}
	if parsed.SubscriptionInfo != nil {
		limits.SubscriptionType = parsed.SubscriptionInfo.SubscriptionType
	}
	if parsed.FreeTrialInfo != nil {
		ft := &FreeTrial{
			Status:       parsed.FreeTrialInfo.Status,
			UsageLimit:   parsed.FreeTrialInfo.UsageLimit,
			CurrentUsage: parsed.FreeTrialInfo.CurrentUsage,
		}
		if parsed.FreeTrialInfo.ExpiryDate > 0 {
			t := time.UnixMilli(parsed.FreeTrialInfo.ExpiryDate).UTC()
			ft.Expiry = &t
		}
		limits.FreeTrial = ft
		if ft.Status == "ACTIVE" {
			limits.UsageLimit += ft.UsageLimit
			limits.CurrentUsage += ft.CurrentUsage
		}
	}
	limits.Available = limits.UsageLimit - limits.CurrentUsage
	if limits.Available < 0 {
		limits.Available = 0
	}

	return limits, nil
}
