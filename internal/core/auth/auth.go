// Package auth implements login against the Arlo cloud, including the
// multi-factor flow, and owns the resulting session.
//
// The flow is strictly sequential and never retries: standard login is a
// single exchange, MFA is primary auth -> factor listing -> start factor ->
// operator OTP -> finish factor. Any non-200 meta code or missing field is
// fatal and surfaces as *Error.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
)

// TwoFactorType selects the MFA delivery channel.
type TwoFactorType string

const (
	TwoFactorNone  TwoFactorType = ""
	TwoFactorSMS   TwoFactorType = "sms"
	TwoFactorEmail TwoFactorType = "email"
)

// Credentials are the inputs to Login.
type Credentials struct {
	Email         string
	Password      string
	TwoFactorType TwoFactorType
}

// CodeProvider supplies the one-time code during the MFA flow. The flow
// blocks on Code; implementations decide whether that means a terminal
// prompt or something test-injected.
type CodeProvider interface {
	Code(ctx context.Context) (string, error)
}

// CodeFunc adapts a function to the CodeProvider interface.
type CodeFunc func(ctx context.Context) (string, error)

func (f CodeFunc) Code(ctx context.Context) (string, error) { return f(ctx) }

const userAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 11_1_2 like Mac OS X) AppleWebKit/604.3.5 (KHTML, like Gecko) Mobile/15B202 NETGEAR/v1 (iOS Vuezone)"

// Client drives the login flow. It owns a cookie-bound HTTP client that is
// shared with the rest of the library so session cookies set during auth
// carry over to API calls.
type Client struct {
	authBase string
	apiBase  string
	http     *http.Client
	store    *Store
	codes    CodeProvider
	log      *slog.Logger
}

// NewClient creates an auth client. codes may be nil when the account has no
// MFA configured; an MFA login without a provider fails with MissingOTP.
func NewClient(authBase, apiBase string, store *Store, codes CodeProvider, log *slog.Logger) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		authBase: strings.TrimRight(authBase, "/"),
		apiBase:  strings.TrimRight(apiBase, "/"),
		http:     &http.Client{Jar: jar},
		store:    store,
		codes:    codes,
		log:      log,
	}
}

// HTTPClient returns the cookie-bound HTTP client shared with API callers.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Store returns the session store this client writes to.
func (c *Client) Store() *Store {
	return c.store
}

// Headers returns the minimal authenticated header set for API calls. It is
// rebuilt from the current session on every call; nothing mutates a shared
// header bag.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	h.Set("Auth-Version", "2")
	h.Set("User-Agent", userAgent)
	if sess := c.store.Session(); sess.Token != "" {
		h.Set("Authorization", sess.Token)
	}
	return h
}

// Login authenticates against the Arlo cloud. With a two-factor type set it
// runs the MFA flow, otherwise the standard single exchange. On success the
// session store holds the new session; on failure the store is left cleared.
func (c *Client) Login(ctx context.Context, creds Credentials) (Session, error) {
	switch creds.TwoFactorType {
	case TwoFactorNone:
		return c.loginStandard(ctx, creds)
	case TwoFactorSMS, TwoFactorEmail:
		return c.loginMFA(ctx, creds)
	default:
		return Session{}, &Error{
			Reason: ReasonInvalidCredentials,
			Step:   "login",
			Err:    fmt.Errorf("invalid two factor type %q", creds.TwoFactorType),
		}
	}
}

// Logout invalidates the session server-side and clears the store.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiBase+"/hmsweb/logout", nil)
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	applyHeaders(req, c.Headers())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.store.Clear()
	c.log.Info("logged out")
	return nil
}

// --- wire shapes ---

type metaEnvelope struct {
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type loginData struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
	MFA    bool   `json:"mfa"`
	Issued int64  `json:"issued"`
}

// Factor is a registered multi-factor authentication method.
type Factor struct {
	FactorID   string `json:"factorId"`
	FactorType string `json:"factorType"`
	FactorRole string `json:"factorRole"`
}

// --- standard path ---

func (c *Client) loginStandard(ctx context.Context, creds Credentials) (Session, error) {
	data, err := c.authenticate(ctx, creds, nil)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		UserID: data.UserID,
		Token:  data.Token,
		Issued: data.Issued,
		MFA:    data.MFA,
	}
	if err := c.store.Set(sess); err != nil {
		c.log.Warn("failed to persist session", "error", err)
	}
	c.log.Info("logged in", "user_id", sess.UserID)
	return sess, nil
}

// --- MFA path ---

func (c *Client) loginMFA(ctx context.Context, creds Credentials) (Session, error) {
	// (a) primary exchange: yields a provisional token. Subsequent factor
	// calls authorize with the base64 of that token, not the token itself.
	data, err := c.authenticate(ctx, creds, nil)
	if err != nil {
		return Session{}, err
	}
	provisional := base64.StdEncoding.EncodeToString([]byte(data.Token))

	// (b) list factors, pick the PRIMARY one matching the requested channel.
	factor, err := c.primaryFactor(ctx, creds.TwoFactorType, data.Issued, provisional)
	if err != nil {
		c.store.Clear()
		return Session{}, err
	}

	// (c) start the challenge.
	factorAuthCode, err := c.startFactor(ctx, factor.FactorID, provisional)
	if err != nil {
		c.store.Clear()
		return Session{}, err
	}

	// (d) block for the operator's one-time code.
	if c.codes == nil {
		c.store.Clear()
		return Session{}, &Error{Reason: ReasonMissingOTP, Step: "finish_auth", Err: fmt.Errorf("no code provider configured")}
	}
	otp, err := c.codes.Code(ctx)
	if err != nil {
		c.store.Clear()
		return Session{}, &Error{Reason: ReasonMissingOTP, Step: "finish_auth", Err: err}
	}
	if strings.TrimSpace(otp) == "" {
		c.store.Clear()
		return Session{}, &Error{Reason: ReasonMissingOTP, Step: "finish_auth", Err: fmt.Errorf("empty code")}
	}

	// (e) finish the challenge; the returned token replaces the provisional
	// one and becomes the bearer token for everything that follows.
	token, err := c.finishFactor(ctx, factorAuthCode, strings.TrimSpace(otp), provisional)
	if err != nil {
		c.store.Clear()
		return Session{}, err
	}

	sess := Session{
		UserID: data.UserID,
		Token:  token,
		Issued: data.Issued,
		MFA:    true,
	}
	if err := c.store.Set(sess); err != nil {
		c.log.Warn("failed to persist session", "error", err)
	}
	c.log.Info("logged in with mfa", "user_id", sess.UserID, "factor_type", factor.FactorType)
	return sess, nil
}

// authenticate performs the primary credential exchange.
func (c *Client) authenticate(ctx context.Context, creds Credentials, extra http.Header) (*loginData, error) {
	body := map[string]string{
		"EnvSource": "prod",
		"language":  "en",
		"email":     creds.Email,
		"password":  base64.StdEncoding.EncodeToString([]byte(creds.Password)),
	}

	env, err := c.postAuth(ctx, "/api/auth", body, "", extra)
	if err != nil {
		return nil, &Error{Reason: ReasonServerRejected, Step: "login", Err: err}
	}
	if env.Meta.Code != http.StatusOK {
		reason := ReasonServerRejected
		if env.Meta.Code == http.StatusUnauthorized {
			reason = ReasonInvalidCredentials
		}
		return nil, &Error{Reason: reason, Step: "login", Err: fmt.Errorf("meta code %d: %s", env.Meta.Code, env.Meta.Message)}
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{Reason: ReasonServerRejected, Step: "login", Err: fmt.Errorf("parse data: %w", err)}
	}
	if data.UserID == "" || data.Token == "" {
		return nil, &Error{Reason: ReasonServerRejected, Step: "login", Err: fmt.Errorf("response missing userId or token")}
	}
	return &data, nil
}

// primaryFactor fetches the factor list and selects the unique entry whose
// type matches the requested channel with role PRIMARY. Absence is fatal and
// issues no further network calls.
func (c *Client) primaryFactor(ctx context.Context, tft TwoFactorType, issued int64, authorization string) (*Factor, error) {
	url := c.authBase + "/api/getFactors?data=" + strconv.FormatInt(issued, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Reason: ReasonServerRejected, Step: "get_factors", Err: err}
	}
	applyHeaders(req, c.loginHeaders(authorization))

	env, err := c.doAuth(req)
	if err != nil {
		return nil, &Error{Reason: ReasonServerRejected, Step: "get_factors", Err: err}
	}
	if env.Meta.Code != http.StatusOK {
		return nil, &Error{Reason: ReasonServerRejected, Step: "get_factors", Err: fmt.Errorf("meta code %d: %s", env.Meta.Code, env.Meta.Message)}
	}

	var data struct {
		Items []Factor `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{Reason: ReasonServerRejected, Step: "get_factors", Err: fmt.Errorf("parse data: %w", err)}
	}

	want := strings.ToUpper(string(tft))
	for i := range data.Items {
		f := &data.Items[i]
		if f.FactorType == want && f.FactorRole == "PRIMARY" {
			return f, nil
		}
	}
	return nil, &Error{Reason: ReasonNoPrimaryFactor, Step: "get_factors", Err: fmt.Errorf("no primary %s factor registered", tft)}
}

func (c *Client) startFactor(ctx context.Context, factorID, authorization string) (string, error) {
	env, err := c.postAuth(ctx, "/api/startAuth", map[string]string{"factorId": factorID}, authorization, nil)
	if err != nil {
		return "", &Error{Reason: ReasonServerRejected, Step: "start_auth", Err: err}
	}
	if env.Meta.Code != http.StatusOK {
		return "", &Error{Reason: ReasonServerRejected, Step: "start_auth", Err: fmt.Errorf("meta code %d: %s", env.Meta.Code, env.Meta.Message)}
	}

	var data struct {
		FactorAuthCode string `json:"factorAuthCode"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", &Error{Reason: ReasonServerRejected, Step: "start_auth", Err: fmt.Errorf("parse data: %w", err)}
	}
	if data.FactorAuthCode == "" {
		return "", &Error{Reason: ReasonServerRejected, Step: "start_auth", Err: fmt.Errorf("response missing factorAuthCode")}
	}
	return data.FactorAuthCode, nil
}

func (c *Client) finishFactor(ctx context.Context, factorAuthCode, otp, authorization string) (string, error) {
	body := map[string]string{
		"factorAuthCode": factorAuthCode,
		"otp":            otp,
	}
	env, err := c.postAuth(ctx, "/api/finishAuth", body, authorization, nil)
	if err != nil {
		return "", &Error{Reason: ReasonServerRejected, Step: "finish_auth", Err: err}
	}
	if env.Meta.Code != http.StatusOK {
		return "", &Error{Reason: ReasonServerRejected, Step: "finish_auth", Err: fmt.Errorf("meta code %d: %s", env.Meta.Code, env.Meta.Message)}
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", &Error{Reason: ReasonServerRejected, Step: "finish_auth", Err: fmt.Errorf("parse data: %w", err)}
	}
	if data.Token == "" {
		return "", &Error{Reason: ReasonServerRejected, Step: "finish_auth", Err: fmt.Errorf("response missing token")}
	}
	return data.Token, nil
}

// --- plumbing ---

// loginHeaders is the header set used during the login flow itself. It is a
// fresh value every call; after login only the minimal Headers() set remains.
func (c *Client) loginHeaders(authorization string) http.Header {
	h := http.Header{}
	h.Set("DNT", "1")
	h.Set("schemaVersion", "1")
	h.Set("Auth-Version", "2")
	h.Set("Content-Type", "application/json; charset=UTF-8")
	h.Set("User-Agent", userAgent)
	h.Set("Source", "arloCamWeb")
	if authorization != "" {
		h.Set("Authorization", authorization)
	}
	return h
}

func (c *Client) postAuth(ctx context.Context, path string, body any, authorization string, extra http.Header) (*metaEnvelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	applyHeaders(req, c.loginHeaders(authorization))
	applyHeaders(req, extra)
	return c.doAuth(req)
}

func (c *Client) doAuth(req *http.Request) (*metaEnvelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env metaEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &env, nil
}

func applyHeaders(req *http.Request, h http.Header) {
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}
