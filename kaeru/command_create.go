package kaeru

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// createResponseAlreadyOpen is shown when a user with an open ticket
	// runs /create again.
	createResponseAlreadyOpen = "You already have an open ticket: <#%s>"

	createResponseOpened = "Your ticket has been opened! Case #%d: <#%s>\n" +
		"You can reply here in DMs with `/send`, and close it with `/close`."

	// createSelectServerPrompt asks the user which server to open the
	// ticket in, when /create was run from DMs.
	createSelectServerPrompt = "Which server would you like to open a ticket in?"

	createResponseAuthorizeRequired = "You need to link your account " +
		"before opening a ticket from DMs."

	createResponseReauthorizeRequired = "Your account link has expired. " +
		"Re-authorize to continue."

	createResponseNoMutualGuilds = "No mutual servers found. Make sure " +
		"the bot is invited to the servers you are in."

	// discordMaxSelectOptions is Discord's cap on select menu options.
	discordMaxSelectOptions = 25

	// discordMaxGuildPage is Discord's page size cap for listing the
	// current user's guilds.
	discordMaxGuildPage = 200
)

// handleCreateCommand opens a new ticket. In a guild, the ticket opens
// there directly. In DMs, the user picks the server from a select menu
// first.
func (k *Kaeru) handleCreateCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	options := discordInteractionOptions(i)

	var initialMessage string
	if opt, ok := options[createCommandMessageOption]; ok {
		initialMessage = opt.StringValue()
	}

	if i.GuildID != "" {
		k.createTicketAndRespond(ctx, handler, i.GuildID, user, initialMessage)
		return
	}

	// From DMs, there's no guild in the interaction. The user's stored
	// OAuth token lists their servers, which are intersected with the
	// bot's own before offering a select menu.
	logger := handler.Logger()
	var token UserToken
	err := k.store.Get(ctx, userTokenKey(user.ID), &token)
	if errors.Is(err, ErrKeyNotFound) {
		k.editWithAuthorizePrompt(ctx, handler, createResponseAuthorizeRequired)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error reading user token", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	if k.roleConnections == nil {
		logger.ErrorContext(ctx, "no role connection client configured")
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	userGuilds, err := k.roleConnections.UserGuilds(ctx, token.AccessToken)
	if errors.Is(err, ErrTokenUnauthorized) {
		k.editWithAuthorizePrompt(ctx, handler, createResponseReauthorizeRequired)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error listing user guilds", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	botGuilds, err := k.discord.session.UserGuilds(
		discordMaxGuildPage,
		"",
		"",
		false,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error listing bot guilds", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	botGuildIDs := make(map[string]struct{}, len(botGuilds))
	for _, guild := range botGuilds {
		botGuildIDs[guild.ID] = struct{}{}
	}

	menuOptions := make([]discordgo.SelectMenuOption, 0, discordMaxSelectOptions)
	for _, guild := range userGuilds {
		if _, ok := botGuildIDs[guild.ID]; !ok {
			continue
		}
		menuOptions = append(
			menuOptions,
			discordgo.SelectMenuOption{
				Label: truncate(guild.Name, 100),
				Value: guild.ID,
			},
		)
		if len(menuOptions) == discordMaxSelectOptions {
			break
		}
	}
	if len(menuOptions) == 0 {
		k.editWithError(ctx, handler, createResponseNoMutualGuilds)
		return
	}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    createSelectServerCustomID,
					Placeholder: "Select a server",
					Options:     menuOptions,
				},
			},
		},
	}
	prompt := createSelectServerPrompt
	if _, err = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content:    &prompt,
			Components: &components,
		},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending server select menu",
			tint.Err(err),
		)
	}
}

// handleCreateServerSelect handles the server choice from the select
// menu shown by /create in DMs.
func (k *Kaeru) handleCreateServerSelect(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	data discordgo.MessageComponentInteractionData,
) {
	logger := handler.Logger()
	if len(data.Values) == 0 {
		logger.WarnContext(ctx, "server select had no values")
		return
	}
	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging component", tint.Err(err))
		return
	}

	user := getDiscordUser(i)
	k.createTicketAndRespond(ctx, handler, data.Values[0], user, "")
}

// createTicketAndRespond runs ticket creation and edits the deferred
// response with the outcome.
func (k *Kaeru) createTicketAndRespond(
	ctx context.Context,
	handler InteractionHandler,
	guildID string,
	user *discordgo.User,
	initialMessage string,
) {
	result, err := k.ticketManager.Create(ctx, guildID, user, initialMessage)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error creating ticket", tint.Err(err))
		k.editWithError(ctx, handler, ticketErrorMessage(err))
		return
	}

	// Clear any leftover select menu components along with the reply.
	components := []discordgo.MessageComponent{}
	content := ""
	var embed *discordgo.MessageEmbed
	if result.AlreadyOpen {
		embed = infoEmbed(
			fmt.Sprintf(createResponseAlreadyOpen, result.Ticket.ThreadID),
		)
	} else {
		embed = infoEmbed(
			fmt.Sprintf(
				createResponseOpened,
				result.Ticket.CaseNumber,
				result.Ticket.ThreadID,
			),
		)
	}
	if _, err = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content:    &content,
			Embeds:     &[]*discordgo.MessageEmbed{embed},
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
