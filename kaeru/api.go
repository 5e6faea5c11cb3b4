package kaeru

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	gsessions "github.com/gorilla/sessions"
	"golang.org/x/time/rate"
)

const (
	apiHealthCheck        = "/healthz"
	apiPathOAuthAuthorize = "/oauth/authorize"
	apiPathOAuthCallback  = "/oauth/callback"

	sessionVarName  = "oauth"
	sessionVarState = "state"

	// oauthScopes are requested during authorization: identify to learn
	// whose token this is, guilds to list their servers for /create in
	// DMs, role_connections.write to update their linked-role metadata.
	oauthScopes = "identify guilds role_connections.write"

	discordOAuthAuthorizeURL = "https://discord.com/oauth2/authorize"

	oauthStateLength = 32

	minTLSVersion = tls.VersionTLS12
)

const xRequestIDHeader = "X-Request-ID"

type httpError struct {
	Error string `json:"error"`
}

// API is the HTTP server for the Discord OAuth2 linked-roles flow.
// Users who authorize through it get their tokens stored, which enables
// the threads_created role connection metadata updates.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	engine              *gin.Engine
	store               CookieStore
	oauthRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct.
func newAPI(k *Kaeru, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		oauthRequestLimiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	apiHandlers, err := NewAPIHandlers(k)
	if err != nil {
		return nil, err
	}
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	api.logger = apiHandlers.logger
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, minTLSVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if k.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}

	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathOAuthAuthorize, api.limited(apiHandlers.oauthAuthorize))
	r.GET(apiPathOAuthCallback, api.limited(apiHandlers.oauthCallback))

	return api, nil
}

// limited wraps a handler with the OAuth request rate limiter.
func (a *API) limited(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.oauthRequestLimiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		handler(c)
	}
}

func (a *API) Serve(_ context.Context) error {
	if a.httpServer.TLSConfig == nil {
		a.logger.Warn("starting server without TLS")
		return a.httpServer.ListenAndServe()
	}
	return a.httpServer.ListenAndServeTLS("", "")
}

// oauthLinkURL returns the public URL of the authorize endpoint,
// derived from the configured redirect URI. Empty when the OAuth flow
// isn't configured.
func (k *Kaeru) oauthLinkURL() string {
	if k.config.API.RedirectURI == "" {
		return ""
	}
	u, err := url.Parse(k.config.API.RedirectURI)
	if err != nil {
		return ""
	}
	u.Path = apiPathOAuthAuthorize
	u.RawQuery = ""
	return u.String()
}

// CookieStore wraps the gin session store interface.
type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the OAuth endpoints.
type APIHandlers struct {
	k      *Kaeru
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// If no session secret is configured, a random one is generated, which
// means in-flight OAuth states won't survive a restart.
func NewAPIHandlers(k *Kaeru) (*APIHandlers, error) {
	logger := k.logger.With(loggerNameKey, "api")

	secret := k.config.API.Secret
	if secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		generated, err := generateRandomHexString(64)
		if err != nil {
			return nil, fmt.Errorf("error generating session secret: %w", err)
		}
		secret = generated
	}

	store := NewCookieStore([]byte(secret))
	sameSite := http.SameSiteLaxMode
	if k.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(k.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{k: k, logger: logger, store: store}, nil
}

func (*APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// oauthAuthorize starts the linked-roles OAuth2 flow: generate a state
// value, stash it in the session, and redirect to Discord.
func (h *APIHandlers) oauthAuthorize(c *gin.Context) {
	logger := ginContextLogger(c)

	state, err := generateRandomHexString(oauthStateLength)
	if err != nil {
		logger.Error("error generating oauth state", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarState, state)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}

	query := url.Values{}
	query.Set("client_id", h.k.config.Discord.ApplicationID)
	query.Set("redirect_uri", h.k.config.API.RedirectURI)
	query.Set("response_type", "code")
	query.Set("scope", oauthScopes)
	query.Set("state", state)
	query.Set("prompt", "consent")

	c.Redirect(
		http.StatusTemporaryRedirect,
		discordOAuthAuthorizeURL+"?"+query.Encode(),
	)
}

// oauthCallback finishes the flow: verify the state, exchange the code
// for tokens, resolve the user, and store their token record.
func (h *APIHandlers) oauthCallback(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	session := sessions.Default(c)
	expectedState, _ := session.Get(sessionVarState).(string)
	session.Delete(sessionVarState)
	_ = session.Save()

	state := c.Query("state")
	if expectedState == "" || state != expectedState {
		logger.Warn("oauth state mismatch")
		c.JSON(http.StatusBadRequest, httpError{Error: "state mismatch"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "missing code"})
		return
	}

	token, err := h.exchangeCode(ctx, code)
	if err != nil {
		logger.Error("error exchanging oauth code", tint.Err(err))
		c.JSON(http.StatusBadGateway, httpError{Error: "token exchange failed"})
		return
	}

	userID, err := h.identifyUser(ctx, token.AccessToken)
	if err != nil {
		logger.Error("error identifying user", tint.Err(err))
		c.JSON(http.StatusBadGateway, httpError{Error: "identify failed"})
		return
	}

	if err = h.k.store.Set(ctx, userTokenKey(userID), token); err != nil {
		logger.Error("error storing user token", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}

	if h.k.roleConnections != nil {
		if e := h.initializeRoleConnection(ctx, token.AccessToken); e != nil {
			logger.Warn("error initializing role connection", tint.Err(e))
		}
	}

	logger.Info("linked user account", "user_id", userID)
	c.String(
		http.StatusOK,
		"Your account is linked! You can close this window and return to Discord.",
	)
}

// oauthTokenResponse is the Discord token endpoint payload.
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// exchangeCode trades an authorization code for user tokens.
func (h *APIHandlers) exchangeCode(
	ctx context.Context,
	code string,
) (*UserToken, error) {
	form := url.Values{}
	form.Set("client_id", h.k.config.Discord.ApplicationID)
	form.Set("client_secret", h.k.config.API.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", h.k.config.API.RedirectURI)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		defaultDiscordAPIBaseURL+"/oauth2/token",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf(
			"token exchange failed: %s: %s",
			resp.Status,
			string(data),
		)
	}

	var tokenResp oauthTokenResponse
	if err = json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, err
	}
	return &UserToken{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt: time.Now().
			Add(time.Duration(tokenResp.ExpiresIn) * time.Second).
			UnixMilli(),
	}, nil
}

// identifyUser resolves the Discord user ID the token belongs to.
func (h *APIHandlers) identifyUser(
	ctx context.Context,
	accessToken string,
) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		defaultDiscordAPIBaseURL+"/users/@me",
		nil,
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf(
			"identify failed: %s: %s",
			resp.Status,
			string(data),
		)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("identify returned no user id")
	}
	return user.ID, nil
}

// initializeRoleConnection seeds the user's role connection record if
// they've never had one, so the linked role shows up immediately.
func (h *APIHandlers) initializeRoleConnection(
	ctx context.Context,
	accessToken string,
) error {
	conn, err := h.k.roleConnections.Get(ctx, accessToken)
	if err != nil {
		return err
	}
	if conn.Metadata[threadsCreatedMetadataKey] != "" {
		return nil
	}
	return h.k.roleConnections.Update(
		ctx,
		accessToken,
		&RoleConnection{
			PlatformName: roleConnectionPlatformName,
			Metadata:     map[string]string{threadsCreatedMetadataKey: "0"},
		},
	)
}

func (h *APIHandlers) httpClient() *http.Client {
	if h.k.config.HTTPClient != nil {
		return h.k.config.HTTPClient
	}
	return &http.Client{Timeout: DefaultGatewayRequestTimeout}
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	certs := make([]tls.Certificate, 1)

	cert, err := tls.LoadX509KeyPair(
		certfile,
		keyfile,
	)
	if err != nil {
		return nil, err
	}
	certs[0] = cert
	return &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}
