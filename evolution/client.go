package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrProfilePictureNotFound = errors.New("evolution: profile picture not found")

// Client calls the provider REST API of one server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

type profilePictureRequest struct {
	Number string `json:"number"`
}

type profilePictureResponse struct {
	Wuid              string `json:"wuid"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// FetchProfilePictureURL returns the avatar URL of number as seen by instance.
func (c *Client) FetchProfilePictureURL(ctx context.Context, instance, number string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("evolution: server url not configured")
	}

	body, err := json.Marshal(profilePictureRequest{Number: number})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/chat/fetchProfilePictureUrl/%s", c.baseURL, url.PathEscape(instance))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("evolution: fetch profile picture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrProfilePictureNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("evolution: fetch profile picture: unexpected status %d", resp.StatusCode)
	}

	var out profilePictureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("evolution: decode profile picture: %w", err)
	}
	if strings.TrimSpace(out.ProfilePictureURL) == "" {
		return "", ErrProfilePictureNotFound
	}
	return out.ProfilePictureURL, nil
}
