package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/secrets"
	"github.com/picklr-io/reconcilr/internal/transport"
)

// Auth selects how requests are authenticated. Credentials are named
// secrets, never literal values.
type Auth struct {
	// Type is "none", "bearer" or "oauth2".
	Type string `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=none bearer oauth2"`

	// TokenSecret names the static bearer token.
	TokenSecret string `yaml:"tokenSecret,omitempty" json:"tokenSecret,omitempty" validate:"required_if=Type bearer"`

	// TokenURL, ClientIDSecret and ClientSecretSecret configure the OAuth2
	// client-credentials grant.
	TokenURL           string   `yaml:"tokenURL,omitempty" json:"tokenURL,omitempty" validate:"omitempty,url"`
	ClientIDSecret     string   `yaml:"clientIDSecret,omitempty" json:"clientIDSecret,omitempty" validate:"required_if=Type oauth2"`
	ClientSecretSecret string   `yaml:"clientSecretSecret,omitempty" json:"clientSecretSecret,omitempty" validate:"required_if=Type oauth2"`
	Scopes             []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Bearer sets a static token read from the store on every request, so a
// rotated secret takes effect without a restart.
func Bearer(store secrets.Store, name string) transport.Authorizer {
	return transport.AuthorizerFunc(func(ctx context.Context, req *http.Request) error {
		tok, err := secrets.Require(ctx, store, name)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	})
}

// ClientCredentials is an OAuth2 client-credentials Authorizer. Tokens are
// cached in a TokenCache under the token URL and client id.
type ClientCredentials struct {
	auth   Auth
	store  secrets.Store
	tokens *secrets.TokenCache
	client *http.Client
	now    func() time.Time
}

// NewClientCredentials returns an authorizer fetching tokens with client.
// A nil client uses a default one bounded by transport.DefaultTimeout.
func NewClientCredentials(auth Auth, store secrets.Store, tokens *secrets.TokenCache, client *http.Client) *ClientCredentials {
	if client == nil {
		client = &http.Client{Timeout: transport.DefaultTimeout}
	}
	return &ClientCredentials{auth: auth, store: store, tokens: tokens, client: client, now: time.Now}
}

func (c *ClientCredentials) key() string {
	return "oauth2/" + c.auth.TokenURL + "/" + c.auth.ClientIDSecret
}

// Authorize implements transport.Authorizer.
func (c *ClientCredentials) Authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.tokens.Get(ctx, c.key(), c.fetch)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Invalidate drops the cached token, e.g. after the API answered 401.
func (c *ClientCredentials) Invalidate(ctx context.Context) error {
	return c.tokens.Invalidate(ctx, c.key())
}

// fetch runs the grant. The TokenCache owns reuse and expiry, so no
// oauth2.TokenSource is kept here.
func (c *ClientCredentials) fetch(ctx context.Context) (secrets.Token, error) {
	id, err := secrets.Require(ctx, c.store, c.auth.ClientIDSecret)
	if err != nil {
		return secrets.Token{}, err
	}
	secret, err := secrets.Require(ctx, c.store, c.auth.ClientSecretSecret)
	if err != nil {
		return secrets.Token{}, err
	}

	cfg := clientcredentials.Config{
		ClientID:     id,
		ClientSecret: secret,
		TokenURL:     c.auth.TokenURL,
		Scopes:       c.auth.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	if err != nil {
		return secrets.Token{}, classifyTokenError(err)
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = c.now().Add(time.Hour)
	}
	return secrets.Token{Value: tok.AccessToken, ExpiresAt: expires}, nil
}

// classifyTokenError maps a failed grant onto the fault classes. An
// endpoint that answered is classified by status; anything else is a
// transport failure.
func classifyTokenError(err error) error {
	const op = "fetch oauth2 token"
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		resp := &transport.Response{
			StatusCode: re.Response.StatusCode,
			Status:     re.Response.Status,
			Header:     re.Response.Header,
			Body:       re.Body,
		}
		if cerr := transport.CheckStatus(resp, op); cerr != nil {
			return cerr
		}
		return fault.ParseError(err, op, re.Body)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return fault.ParseError(err, op, nil)
	}
	return fault.Transientf(err, op)
}

// Client returns a transport client authenticating per auth, and the
// ClientCredentials behind it when auth is oauth2.
func Client(auth Auth, store secrets.Store, tokens *secrets.TokenCache, opts ...transport.Option) (transport.Client, *ClientCredentials, error) {
	switch auth.Type {
	case "", "none":
		return transport.NewHTTPClient(opts...), nil, nil
	case "bearer":
		if auth.TokenSecret == "" {
			return nil, nil, fault.Configurationf("bearer auth requires tokenSecret")
		}
		return transport.NewHTTPClient(append(opts, transport.WithAuthorizer(Bearer(store, auth.TokenSecret)))...), nil, nil
	case "oauth2":
		if auth.TokenURL == "" {
			return nil, nil, fault.Configurationf("oauth2 auth requires tokenURL")
		}
		if tokens == nil {
			tokens = secrets.NewTokenCache(store)
		}
		cc := NewClientCredentials(auth, store, tokens, nil)
		return transport.NewHTTPClient(append(opts, transport.WithAuthorizer(cc))...), cc, nil
	default:
		return nil, nil, fault.Configurationf("unknown auth type %q", auth.Type)
	}
}
