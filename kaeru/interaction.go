package kaeru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// timeRemainingRounding is how precisely cooldown durations are shown
// to users.
const timeRemainingRounding = time.Second

// InteractionLog records every interaction received, regardless of
// whether handling it succeeded.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ID            uint                            `gorm:"primaryKey" json:"id"`
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	return interactionLog, nil
}

// InteractionHandler abstracts responding to a Discord interaction, so
// command handlers work identically whether the interaction arrived
// over the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving
// interactions via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes one incoming Discord interaction: logs
// it, acknowledges it, and routes it to the matching command, component,
// or modal handler.
func (k *Kaeru) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if createErr := k.store.DB().Create(interactionLog).Error; createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionModalSubmit:
		k.handleModalSubmit(ctx, handler, i)
	case discordgo.InteractionMessageComponent:
		k.handleMessageComponent(ctx, handler, i)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		logger.InfoContext(ctx, "received command", "command", commandName)

		// /ticket default responds with a modal and can't be deferred
		if commandName == DiscordSlashCommandTicket {
			k.handleTicketCommand(ctx, handler, i)
			return
		}

		if ackErr := handler.Respond(ctx, k.discord.ackResponse()); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		switch commandName {
		case DiscordSlashCommandCreate:
			k.handleCreateCommand(ctx, handler, i)
		case DiscordSlashCommandSend:
			k.handleSendCommand(ctx, handler, i)
		case DiscordSlashCommandClose:
			k.handleCloseCommand(ctx, handler, i)
		case DiscordSlashCommandMoodCheck:
			k.handleMoodCheckCommand(ctx, handler, i)
		case DiscordSlashCommandTranslate:
			k.handleTranslateCommand(ctx, handler, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// handleModalSubmit routes modal submissions by custom ID.
func (k *Kaeru) handleModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	data := i.ModalSubmitData()
	switch data.CustomID {
	case ticketDefaultModalCustomID:
		k.handleTicketDefaultModalSubmit(ctx, handler, i, data)
	default:
		handler.Logger().WarnContext(
			ctx,
			"unknown modal submission",
			"custom_id", data.CustomID,
		)
	}
}

// handleMessageComponent routes component interactions by custom ID.
func (k *Kaeru) handleMessageComponent(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	data := i.MessageComponentData()
	switch data.CustomID {
	case createSelectServerCustomID:
		k.handleCreateServerSelect(ctx, handler, i, data)
	default:
		handler.Logger().WarnContext(
			ctx,
			"unknown component interaction",
			"custom_id", data.CustomID,
		)
	}
}

// editWithError replaces the deferred response with a red error embed.
func (k *Kaeru) editWithError(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{errorEmbed(message)},
		},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
}

// editWithInfo replaces the deferred response with a blue info embed.
func (k *Kaeru) editWithInfo(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{infoEmbed(message)},
		},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
}

// editWithAuthorizePrompt replaces the deferred response with the given
// message and an "Authorize App" link button pointing at the OAuth
// endpoint.
func (k *Kaeru) editWithAuthorizePrompt(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	linkURL := k.oauthLinkURL()
	if linkURL == "" {
		k.editWithError(
			ctx,
			handler,
			"Account linking isn't configured. Ask the server staff to set it up.",
		)
		return
	}
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: "Authorize App",
					Style: discordgo.LinkButton,
					URL:   linkURL,
				},
			},
		},
	}
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds:     &[]*discordgo.MessageEmbed{infoEmbed(message)},
			Components: &components,
		},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
}

// ticketErrorMessage maps ticket manager errors to the message shown to
// the user.
func ticketErrorMessage(err error) string {
	var cooldownErr *CooldownError
	switch {
	case errors.As(err, &cooldownErr):
		return fmt.Sprintf(
			"You closed a ticket recently. Try again in %s.",
			cooldownErr.Remaining.Round(timeRemainingRounding),
		)
	case errors.Is(err, ErrTicketNotActive):
		return "You don't have an open ticket. Use `/create` to open one."
	case errors.Is(err, ErrNotTicketThread):
		return "This isn't a ticket thread."
	case errors.Is(err, ErrNoTargetChannel):
		return "This server isn't set up for tickets yet. Ask an admin to run `/ticket setup`."
	case errors.Is(err, ErrDMUnavailable):
		return "I couldn't DM that user. They may have DMs disabled."
	case errors.Is(err, ErrPersistenceFailure):
		return "Something went wrong saving your ticket. Please try again."
	case isTimeout(err):
		return "Discord took too long to respond. Please try again."
	default:
		return DefaultDiscordErrorMessage
	}
}
