// services/auth_service_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// AuthServiceClient validates end-user tokens for routes the gateway does
// not front, such as SSE streams opened straight from a browser.
type AuthServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type ValidateResponse struct {
	UserID                  string   `json:"user_id"`
	DeviceID                string   `json:"device_id"`
	OTPNotRequiredForDevice bool     `json:"otp_not_required_for_device"`
	Roles                   []string `json:"roles"`
}

func NewAuthServiceClient(baseURL, token string, client *http.Client) *AuthServiceClient {
	return &AuthServiceClient{BaseURL: baseURL, Token: token, Client: client}
}

// ValidateToken calls /auth/validate on the auth service.
func (c *AuthServiceClient) ValidateToken(ctx context.Context, accessToken, deviceID string) (*ValidateResponse, error) {
	url := fmt.Sprintf("%s/auth/validate", c.BaseURL)

	jsonData, err := json.Marshal(map[string]string{
		"access_token": accessToken,
		"device_id":    deviceID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token) // service → auth service token

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("AuthService /validate rejected token")
		return nil, fmt.Errorf("auth validation failed: %d", resp.StatusCode)
	}

	var out ValidateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate adapts ValidateToken to middleware.TokenValidator.
func (c *AuthServiceClient) Validate(ctx context.Context, accessToken, deviceID string) (string, []string, error) {
	resp, err := c.ValidateToken(ctx, accessToken, deviceID)
	if err != nil {
		return "", nil, err
	}
	return resp.UserID, resp.Roles, nil
}
