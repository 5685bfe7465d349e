package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const tokenPath = "/services/oauth2/token"

// TokenResponse is the result of a refresh-token grant.
//
// The platform does not report expires_in, so Expiry is zero unless the server sent one.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// OAuthRefresher implements [Refresher] with the refresh-token grant of a connected app.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher creates a refresher posting to tokenURL.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, httpClient *http.Client) (*OAuthRefresher, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}

	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}, nil
}

// Refresh performs one refresh-token grant. It never retries.
//
// When the response omits a refresh token the one passed in is kept.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError(ctx, err)
	}

	resp := NewTokenResponse(token)
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

// NewTokenResponse reads a token endpoint result, including the instance_url extra field.
func NewTokenResponse(token *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if instanceURL, ok := token.Extra("instance_url").(string); ok {
		resp.InstanceURL = instanceURL
	}
	return resp
}

// tokenError converts an oauth2 failure into an [APIError] so callers can classify it by code.
func tokenError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("token refresh: %w", ctx.Err())
	}

	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return &APIError{Method: http.MethodPost, Path: tokenPath, Code: "NETWORK_ERROR", Err: err}
	}

	apiErr := &APIError{
		Method:  http.MethodPost,
		Path:    tokenPath,
		Code:    strings.ToUpper(rerr.ErrorCode),
		Message: rerr.ErrorDescription,
		Err:     err,
	}
	if rerr.Response != nil {
		apiErr.StatusCode = rerr.Response.StatusCode
	}
	if apiErr.Code == "" && apiErr.StatusCode > 0 {
		parsed := parseAPIError(http.MethodPost, tokenPath, apiErr.StatusCode, rerr.Body)
		apiErr.Code, apiErr.Message = parsed.Code, parsed.Message
	}
	return apiErr
}

// IsInvalidGrant reports whether err is the platform's permanent refresh failure.
func IsInvalidGrant(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "INVALID_GRANT"
}
