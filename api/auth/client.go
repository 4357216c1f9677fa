package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/steamid"
	"github.com/rotisserie/eris"
)

type Client struct {
	transport api.Transport
}

func NewClient(transport api.Transport) *Client {
	return &Client{transport: transport}
}

type AuthenticateUserRequest struct {
	SteamID             steamid.SteamID
	EncryptedSessionKey []byte
	EncryptedLoginKey   []byte
}

// Retryable is false on purpose: the login nonce is single-use, so a replay
// of the same body can never succeed.
func (r AuthenticateUserRequest) Retryable() bool {
	return false
}

func (r AuthenticateUserRequest) CacheTTL() time.Duration {
	return 0
}

func (r AuthenticateUserRequest) RequiresApiKey() bool {
	return false
}

func (r AuthenticateUserRequest) Method() string {
	return http.MethodPost
}

func (r AuthenticateUserRequest) Url() string {
	return fmt.Sprintf("%s/ISteamUserAuth/AuthenticateUser/v1/", api.BaseURL)
}

func (r AuthenticateUserRequest) Values() (url.Values, error) {
	return url.Values{
		"steamid":            []string{r.SteamID.String()},
		"sessionkey":         []string{base64.StdEncoding.EncodeToString(r.EncryptedSessionKey)},
		"encrypted_loginkey": []string{base64.StdEncoding.EncodeToString(r.EncryptedLoginKey)},
	}, nil
}

type AuthenticateUserResponse struct {
	AuthenticateUser struct {
		Token       string `json:"token"`
		TokenSecure string `json:"tokensecure"`
	} `json:"authenticateuser"`
}

// SessionTokens are the cookie values a successful AuthenticateUser call
// yields: Token backs steamLogin, TokenSecure backs steamLoginSecure.
type SessionTokens struct {
	Token       string
	TokenSecure string
}

// AuthenticateUser exchanges an encrypted login-key envelope for web session
// tokens. One attempt only; on failure the caller must obtain a fresh nonce.
func (c *Client) AuthenticateUser(
	ctx context.Context,
	steamID steamid.SteamID,
	encryptedSessionKey []byte,
	encryptedLoginKey []byte,
) (SessionTokens, error) {
	if !steamID.IsValidIndividual() {
		return SessionTokens{}, eris.Errorf("steamID is not a valid individual account: %v", steamID.String())
	}

	request := AuthenticateUserRequest{
		SteamID:             steamID,
		EncryptedSessionKey: encryptedSessionKey,
		EncryptedLoginKey:   encryptedLoginKey,
	}

	var response AuthenticateUserResponse
	if sendErr := c.transport.Send(ctx, request, &response); sendErr != nil {
		return SessionTokens{}, sendErr
	}

	tokens := SessionTokens{
		Token:       response.AuthenticateUser.Token,
		TokenSecure: response.AuthenticateUser.TokenSecure,
	}
	if tokens.Token == "" || tokens.TokenSecure == "" {
		return SessionTokens{}, eris.New("AuthenticateUser response is missing session tokens")
	}

	return tokens, nil
}
