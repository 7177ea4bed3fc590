package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxProviderResponseBytes = 1 << 20

// SupabaseProvider authenticates against the Supabase GoTrue REST API.
type SupabaseProvider struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

var _ Provider = (*SupabaseProvider)(nil)

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type supabaseTokenResponse struct {
	Session
	User supabaseUser `json:"user"`
}

type supabaseError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
}

func (e supabaseError) message() string {
	for _, candidate := range []string{e.Msg, e.ErrorDescription, e.Error, e.ErrorCode} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func NewSupabaseProvider(rawURL, anonKey string, timeout time.Duration) (*SupabaseProvider, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("invalid supabase url scheme")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing supabase host")
	}
	if strings.TrimSpace(anonKey) == "" {
		return nil, fmt.Errorf("missing supabase anon key")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SupabaseProvider{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		anonKey: strings.TrimSpace(anonKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Host is the provider host, used to whitelist it in the content security policy.
func (p *SupabaseProvider) Host() string {
	parsed, err := url.Parse(p.baseURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

func (p *SupabaseProvider) SignInWithPassword(ctx context.Context, email, password string) (Identity, Session, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Identity{}, Session{}, fmt.Errorf("encode sign in request: %w", err)
	}

	status, body, err := p.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", payload)
	if err != nil {
		return Identity{}, Session{}, err
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity:
		return Identity{}, Session{}, ErrInvalidCredentials
	case status < 200 || status >= 300:
		return Identity{}, Session{}, providerStatusError("sign in", status, body)
	}

	var parsed supabaseTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Identity{}, Session{}, fmt.Errorf("decode sign in response: %w", err)
	}
	if parsed.AccessToken == "" || parsed.User.Email == "" {
		return Identity{}, Session{}, fmt.Errorf("sign in response missing session or user")
	}

	return Identity{ID: parsed.User.ID, Email: NormalizeEmail(parsed.User.Email)}, parsed.Session, nil
}

func (p *SupabaseProvider) GetUser(ctx context.Context, accessToken string) (Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Identity{}, ErrInvalidToken
	}

	status, body, err := p.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil)
	if err != nil {
		return Identity{}, err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	case status < 200 || status >= 300:
		return Identity{}, providerStatusError("get user", status, body)
	}

	var user supabaseUser
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, fmt.Errorf("decode user response: %w", err)
	}
	if user.Email == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{ID: user.ID, Email: NormalizeEmail(user.Email)}, nil
}

func (p *SupabaseProvider) SignOut(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return ErrInvalidToken
	}

	status, body, err := p.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrInvalidToken
	case status < 200 || status >= 300:
		return providerStatusError("sign out", status, body)
	}

	return nil
}

func (p *SupabaseProvider) do(ctx context.Context, method, path, bearer string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("apikey", p.anonKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read provider response: %w", err)
	}

	return resp.StatusCode, body, nil
}

func providerStatusError(op string, status int, body []byte) error {
	var parsed supabaseError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.message() != "" {
		return fmt.Errorf("provider %s failed with status %d: %s", op, status, parsed.message())
	}
	return fmt.Errorf("provider %s failed with status %d", op, status)
}
