package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/minesa-org/kaeru/kaeru"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestInitConfigRepeatable(t *testing.T) {
	original := configFile
	t.Cleanup(func() { configFile = original })
	configFile = ""
	t.Setenv("KAERU_LOG_LEVEL", "WARN")

	initConfig()
	assertLogLevel(t, slog.LevelWarn, viper.Get("log_level"))

	// Commands run through Execute more than once in the same process
	// re-enter initConfig. The *slog.LevelVar values stored by the
	// first run must not break the second run's level parsing.
	initConfig()
	assertLogLevel(t, slog.LevelWarn, viper.Get("log_level"))
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

KAERU_DATABASE=/home/foo/kaeru.sqlite3
KAERU_DATABASE_TYPE=sqlite
KAERU_DATABASE_LOG_LEVEL=INFO
KAERU_DATABASE_SLOW_THRESHOLD=200ms
KAERU_LOG_LEVEL=INFO
KAERU_STARTUP_TIMEOUT=30s
KAERU_SHUTDOWN_TIMEOUT=60s
KAERU_DEVELOPMENT=true

# OpenAI config

KAERU_OPENAI_TOKEN=your-openai-token
KAERU_OPENAI_LOG_LEVEL=INFO
KAERU_OPENAI_MODEL=gpt-4o-mini
KAERU_OPENAI_MAX_REQUESTS_PER_SECOND=1

# Discord bot config

KAERU_DISCORD_TOKEN=your-discord-bot-token
KAERU_DISCORD_APPLICATION_ID=your-discord-bot-app-id
KAERU_DISCORD_GUILD_ID=
KAERU_DISCORD_GATEWAY_ENABLED=true
KAERU_DISCORD_LOG_LEVEL=WARN
KAERU_DISCORD_DISCORDGO_LOG_LEVEL=WARN
KAERU_DISCORD_CUSTOM_STATUS="/create a ticket with me!"
KAERU_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

KAERU_DISCORD_WEBHOOK_SERVER_ENABLED=false
KAERU_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
KAERU_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
KAERU_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
KAERU_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
KAERU_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
KAERU_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
KAERU_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
KAERU_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
KAERU_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# Ticket config

KAERU_TICKET_CLOSE_COOLDOWN=30m
KAERU_TICKET_THREAD_AUTO_ARCHIVE_MINUTES=10080
KAERU_TICKET_WEBHOOK_NAME=TicketSystem
KAERU_TICKET_REQUEST_TIMEOUT=8s
KAERU_TICKET_SUMMARIZE_TITLES=true

# API server

KAERU_API_LISTEN=127.0.0.1:5000
KAERU_API_SSL_CERT=/etc/ssl/cert.pem
KAERU_API_SSL_KEY=/etc/ssl/key.pem
KAERU_API_SECRET=your-api-secret
KAERU_API_CLIENT_SECRET=your-oauth-client-secret
KAERU_API_REDIRECT_URI=https://127.0.0.1:5000/oauth/callback
KAERU_API_LOG_LEVEL=DEBUG
KAERU_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
KAERU_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
KAERU_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
KAERU_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
KAERU_API_CORS_ALLOW_CREDENTIALS=true
KAERU_API_CORS_MAX_AGE=12h
KAERU_API_READ_TIMEOUT=5s
KAERU_API_READ_HEADER_TIMEOUT=5s
KAERU_API_WRITE_TIMEOUT=10s
KAERU_API_IDLE_TIMEOUT=30s
KAERU_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/kaeru.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/kaeru.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))

	assert.Equal(t, "gpt-4o-mini", viper.GetString("openai.model"))
	assert.Equal(t, 1, viper.GetInt("openai.max_requests_per_second"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.True(t, viper.GetBool("discord.gateway_enabled"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "/create a ticket with me!", viper.GetString("discord.custom_status"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.False(t, viper.GetBool("discord.webhook_server.enabled"))
	assert.Equal(t, "127.0.0.1:5001", viper.GetString("discord.webhook_server.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("discord.webhook_server.ssl.cert"))
	assert.Equal(t, "/etc/ssl/cert.key", viper.GetString("discord.webhook_server.ssl.key"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	assert.Equal(
		t,
		"your_discord_public_key_here",
		viper.GetString("discord.webhook_server.public_key"),
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("discord.webhook_server.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("discord.webhook_server.idle_timeout"))

	assert.Equal(t, 30*time.Minute, viper.GetDuration("ticket.close_cooldown"))
	assert.Equal(t, 10080, viper.GetInt("ticket.thread_auto_archive_minutes"))
	assert.Equal(t, "TicketSystem", viper.GetString("ticket.webhook_name"))
	assert.Equal(t, 8*time.Second, viper.GetDuration("ticket.request_timeout"))
	assert.True(t, viper.GetBool("ticket.summarize_titles"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.Equal(t, "your-oauth-client-secret", viper.GetString("api.client_secret"))
	assert.Equal(
		t,
		"https://127.0.0.1:5000/oauth/callback",
		viper.GetString("api.redirect_uri"),
	)
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a kaeru.Config struct
	var config kaeru.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/kaeru.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())
	assert.Equal(t, "gpt-4o-mini", config.OpenAI.Model)
	assert.Equal(t, 1, config.OpenAI.MaxRequestsPerSecond)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.True(t, config.Discord.GatewayEnabled)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "/create a ticket with me!", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)

	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.Key)
	assert.Equal(t, slog.LevelInfo, config.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.Discord.WebhookServer.IdleTimeout)

	assert.Equal(t, 30*time.Minute, config.Ticket.CloseCooldown)
	assert.Equal(t, 10080, config.Ticket.ThreadAutoArchiveMinutes)
	assert.Equal(t, "TicketSystem", config.Ticket.WebhookName)
	assert.Equal(t, 8*time.Second, config.Ticket.RequestTimeout)
	assert.True(t, config.Ticket.SummarizeTitles)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, "your-oauth-client-secret", config.API.ClientSecret)
	assert.Equal(t, "https://127.0.0.1:5000/oauth/callback", config.API.RedirectURI)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
