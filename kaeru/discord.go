package kaeru

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandCreate opens a new ticket
	DiscordSlashCommandCreate = "create"

	// DiscordSlashCommandSend relays a message across the DM/thread boundary
	DiscordSlashCommandSend = "send"

	// DiscordSlashCommandClose closes an open ticket
	DiscordSlashCommandClose = "close"

	// DiscordSlashCommandTicket is the guild-side config command group
	DiscordSlashCommandTicket = "ticket"

	// DiscordSlashCommandMoodCheck analyzes the mood of a message
	DiscordSlashCommandMoodCheck = "moodcheck"

	// DiscordSlashCommandTranslate translates a message
	DiscordSlashCommandTranslate = "translate"

	// sendCommandMessageOption is the message option name on /send
	sendCommandMessageOption = "message"

	// createCommandMessageOption is the optional issue description on /create
	createCommandMessageOption = "message"

	// createSelectServerCustomID identifies the server select menu shown
	// when /create is used from DMs
	createSelectServerCustomID = "create:select_server"

	// ticketDefaultModalCustomID identifies the default-message modal
	// opened by /ticket default
	ticketDefaultModalCustomID = "ticket:default_modal"

	// ticketDefaultModalInputID is the text input inside that modal
	ticketDefaultModalInputID = "ticket:default_message"

	// discordInteractionTokenLifespan defines the lifespan of a Discord
	// interaction token. Discord interaction tokens currently expire
	// after 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	// discordWebhookURLFormat builds a webhook execution URL from its
	// ID and token.
	discordWebhookURLFormat = "https://discord.com/api/webhooks/%s/%s"

	colorError = 0xff5353
	colorInfo  = 0x0a84ff
)

// Discord manages the Discord session for Kaeru: the gateway connection
// (or webhook receiver), slash command registration, and the REST
// surface the ticket manager uses.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	k                           *Kaeru
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// appCommandCreate returns the `/create` command. Usable in guilds and
// in DMs, where a server select menu follows.
func (*Discord) appCommandCreate() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCreate,
		Description: "Open a support ticket",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        createCommandMessageOption,
				Description: "What do you need help with?",
				Required:    false,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

// appCommandSend returns the `/send` command, which relays a message
// from DMs into the ticket thread or from the thread to the user's DMs.
func (*Discord) appCommandSend() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSend,
		Description: "Send a message to the other side of the ticket",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        sendCommandMessageOption,
				Description: "Message to send",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

// appCommandClose returns the `/close` command.
func (*Discord) appCommandClose() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClose,
		Description: "Close the ticket",
	}
}

// appCommandTicket returns the `/ticket` guild configuration command
// group (setup, details, default).
func (*Discord) appCommandTicket() *discordgo.ApplicationCommand {
	adminPermission := int64(discordgo.PermissionManageServer)
	dmPermission := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandTicket,
		Description:              "Configure the ticket system for this server",
		DefaultMemberPermissions: &adminPermission,
		DMPermission:             &dmPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "setup",
				Description: "Set the ticket channel and staff role",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Channel ticket threads are created under",
						ChannelTypes: []discordgo.ChannelType{
							discordgo.ChannelTypeGuildText,
						},
						Required: true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "staff_role",
						Description: "Role mentioned when a ticket opens",
						Required:    false,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "description",
						Description: "Text shown on the support center message",
						Required:    false,
						MaxLength:   discordMaxMessageLength,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "banner_url",
						Description: "Image shown on the support center message",
						Required:    false,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "details",
				Description: "Show the current ticket configuration",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "default",
				Description: "Set the default message sent to users when a ticket opens",
			},
		},
	}
}

// appCommandMoodCheck returns the `/moodcheck` command.
func (*Discord) appCommandMoodCheck() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandMoodCheck,
		Description: "Analyze the mood of a message",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "message",
				Description: "Message to analyze",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

// appCommandTranslate returns the `/translate` command.
func (*Discord) appCommandTranslate() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTranslate,
		Description: "Translate a message",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "message",
				Description: "Message to translate",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "language",
				Description: "Target language",
				Required:    true,
				MaxLength:   50,
			},
		},
	}
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandCreate(),
		d.appCommandSend(),
		d.appCommandClose(),
		d.appCommandTicket(),
		d.appCommandMoodCheck(),
		d.appCommandTranslate(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}

	return created, nil
}

// ackResponse returns the deferred response sent immediately on every
// command, before the actual work starts. All ticket responses are
// ephemeral.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full message payload to the
	// given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ThreadStartComplex creates a thread under the given channel
	ThreadStartComplex(
		channelID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelEditComplex edits an existing channel or thread
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelDelete deletes the given channel or thread
	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Channel gets the given channel
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelWebhooks lists the webhooks on the given channel
	ChannelWebhooks(
		channelID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Webhook, error)

	// WebhookCreate creates a webhook on the given channel
	WebhookCreate(
		channelID string,
		name string,
		avatar string,
		options ...discordgo.RequestOption,
	) (*discordgo.Webhook, error)

	// WebhookThreadExecute executes a webhook, posting into the given
	// thread of the webhook's channel
	WebhookThreadExecute(
		webhookID string,
		token string,
		wait bool,
		threadID string,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate gets or creates a DM channel with the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Guild gets the given guild
	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	// UserGuilds lists the guilds the bot user is in
	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ThreadStartComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating thread",
			"channel_id", channelID,
			"name", data.Name,
			tint.Err(err),
		)
	} else {
		d.logger.Info(
			"created thread",
			"channel_id", channelID,
			"thread_id", ch.ID,
			"name", ch.Name,
		)
	}
	return ch, err
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting channel",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return ch, err
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelWebhooks(
	channelID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	return d.session.ChannelWebhooks(channelID, options...)
}

func (d DiscordSession) WebhookCreate(
	channelID string,
	name string,
	avatar string,
	options ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	hook, err := d.session.WebhookCreate(channelID, name, avatar, options...)
	if err != nil {
		d.logger.Error(
			"error creating webhook",
			"channel_id", channelID,
			"name", name,
			tint.Err(err),
		)
	} else {
		d.logger.Info(
			"created webhook",
			"channel_id", channelID,
			"webhook_id", hook.ID,
			"name", hook.Name,
		)
	}
	return hook, err
}

func (d DiscordSession) WebhookThreadExecute(
	webhookID string,
	token string,
	wait bool,
	threadID string,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookThreadExecute(
		webhookID, token, wait, threadID, data, options...,
	)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// webhookURL builds an execution URL from a webhook's ID and token.
func webhookURL(id string, token string) string {
	return fmt.Sprintf(discordWebhookURLFormat, id, token)
}

// parseWebhookURL extracts the webhook ID and token from an execution
// URL of the form https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(webhookURL string) (id string, token string, err error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", "", fmt.Errorf("error parsing webhook URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// expects: api/webhooks/{id}/{token}, possibly with a version segment
	for i, part := range parts {
		if part == "webhooks" && i+2 < len(parts) {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("not a webhook URL: %s", webhookURL)
}

// isDiscordNotFound reports whether err is a Discord 404, meaning the
// target resource (webhook, channel, message) no longer exists. This is
// what distinguishes a repairable relay failure from everything else.
func isDiscordNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// isTimeout reports whether err is a timeout rather than an API
// rejection.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a text input component created using the given parameters
func discordModalResponse(
	modalID string,
	inputID string,
	title string,
	label string,
	placeholder string,
	minLength int,
	maxLength int,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputID,
							Label:       label,
							Style:       discordgo.TextInputParagraph,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}

// errorEmbed returns a red embed used for command failures.
func errorEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: description,
		Color:       colorError,
	}
}

// infoEmbed returns a blue embed used for command confirmations.
func infoEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: description,
		Color:       colorInfo,
	}
}
