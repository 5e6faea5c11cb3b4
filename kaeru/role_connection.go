package kaeru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ErrTokenUnauthorized indicates Discord rejected the user's stored
// OAuth token, meaning they need to re-authorize.
var ErrTokenUnauthorized = errors.New("user token unauthorized")

const (
	// threadsCreatedMetadataKey is the role connection metadata field
	// tracking how many tickets a user has opened.
	threadsCreatedMetadataKey = "threads_created"

	roleConnectionPlatformName = "Kaeru Tickets"

	defaultDiscordAPIBaseURL = "https://discord.com/api/v10"
)

// roleConnectionMetadataTypeIntegerGTE is the metadata comparison type
// for "integer greater than or equal". See:
// https://discord.com/developers/docs/resources/application-role-connection-metadata
const roleConnectionMetadataTypeIntegerGTE = 2

// RoleConnection is the user-scoped role connection payload.
type RoleConnection struct {
	PlatformName     string            `json:"platform_name,omitempty"`
	PlatformUsername string            `json:"platform_username,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RoleConnectionClient updates linked-roles metadata for users who've
// authorized the bot through the OAuth2 flow. The bot token is used to
// register the metadata schema, and per-user bearer tokens for reads
// and writes of each user's connection record.
type RoleConnectionClient struct {
	botToken      string
	applicationID string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewRoleConnectionClient initializes a RoleConnectionClient. If
// httpClient is nil, a client with a reasonable timeout is used.
func NewRoleConnectionClient(
	botToken string,
	applicationID string,
	httpClient *http.Client,
	logger *slog.Logger,
) *RoleConnectionClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultGatewayRequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleConnectionClient{
		botToken:      botToken,
		applicationID: applicationID,
		baseURL:       defaultDiscordAPIBaseURL,
		httpClient:    httpClient,
		logger:        logger.With(loggerNameKey, "role_connection"),
	}
}

// RegisterMetadata registers the threads_created metadata field for the
// application. Registration is idempotent, so this runs on every start.
func (c *RoleConnectionClient) RegisterMetadata(ctx context.Context) error {
	metadata := []map[string]any{
		{
			"key":         threadsCreatedMetadataKey,
			"name":        "Tickets Created",
			"description": "Number of tickets this user has opened",
			"type":        roleConnectionMetadataTypeIntegerGTE,
		},
	}
	endpoint := fmt.Sprintf(
		"%s/applications/%s/role-connections/metadata",
		c.baseURL,
		c.applicationID,
	)
	body, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPut,
		endpoint,
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error registering role connection metadata: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf(
			"error registering role connection metadata: %s: %s",
			resp.Status,
			string(data),
		)
	}
	c.logger.InfoContext(ctx, "registered role connection metadata")
	return nil
}

// Get returns the user's current role connection record.
func (c *RoleConnectionClient) Get(
	ctx context.Context,
	bearerToken string,
) (*RoleConnection, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.userConnectionURL(),
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf(
			"error getting role connection: %s: %s",
			resp.Status,
			string(data),
		)
	}
	var conn RoleConnection
	if err = json.NewDecoder(resp.Body).Decode(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Update replaces the user's role connection record.
func (c *RoleConnectionClient) Update(
	ctx context.Context,
	bearerToken string,
	conn *RoleConnection,
) error {
	body, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPut,
		c.userConnectionURL(),
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf(
			"error updating role connection: %s: %s",
			resp.Status,
			string(data),
		)
	}
	return nil
}

// IncrementThreadsCreated bumps the user's threads_created metadata by
// one.
func (c *RoleConnectionClient) IncrementThreadsCreated(
	ctx context.Context,
	bearerToken string,
) error {
	conn, err := c.Get(ctx, bearerToken)
	if err != nil {
		return err
	}
	count := 0
	if conn.Metadata != nil {
		if current, e := strconv.Atoi(conn.Metadata[threadsCreatedMetadataKey]); e == nil {
			count = current
		}
	}
	updated := &RoleConnection{
		PlatformName: roleConnectionPlatformName,
		Metadata: map[string]string{
			threadsCreatedMetadataKey: strconv.Itoa(count + 1),
		},
	}
	start := time.Now()
	err = c.Update(ctx, bearerToken, updated)
	if err == nil {
		c.logger.DebugContext(
			ctx,
			"updated threads_created",
			"count", count+1,
			"duration", time.Since(start),
		)
	}
	return err
}

// UserGuilds lists the guilds the token's user belongs to. Returns
// ErrTokenUnauthorized when the token has expired or been revoked.
func (c *RoleConnectionClient) UserGuilds(
	ctx context.Context,
	bearerToken string,
) ([]*discordgo.UserGuild, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/users/@me/guilds",
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf(
			"error listing user guilds: %s: %s",
			resp.Status,
			string(data),
		)
	}
	var guilds []*discordgo.UserGuild
	if err = json.NewDecoder(resp.Body).Decode(&guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

func (c *RoleConnectionClient) userConnectionURL() string {
	return fmt.Sprintf(
		"%s/users/@me/applications/%s/role-connection",
		c.baseURL,
		c.applicationID,
	)
}
