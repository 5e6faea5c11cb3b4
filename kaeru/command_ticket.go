package kaeru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	ticketSubcommandSetup   = "setup"
	ticketSubcommandDetails = "details"
	ticketSubcommandDefault = "default"

	ticketDefaultModalTitle = "Default ticket message"
	ticketDefaultModalLabel = "Message sent to users when a ticket opens"

	supportCenterTitle = "Support Center"

	// supportCenterDefaultDescription is used when no description was
	// given to /ticket setup.
	supportCenterDefaultDescription = "Create a ticket to get support from our staff."
)

// handleTicketCommand handles the /ticket configuration command group.
// Unlike the other commands, this isn't pre-acknowledged: the `default`
// subcommand responds with a modal, which Discord only accepts as the
// initial response.
func (k *Kaeru) handleTicketCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		logger.WarnContext(ctx, "ticket command with no subcommand")
		return
	}
	sub := data.Options[0]

	switch sub.Name {
	case ticketSubcommandDefault:
		k.handleTicketDefault(ctx, handler, i)
		return
	case ticketSubcommandSetup, ticketSubcommandDetails:
		// deferred ephemeral response, handled below
	default:
		logger.WarnContext(ctx, "unknown subcommand", "subcommand", sub.Name)
		return
	}

	if err := handler.Respond(ctx, k.discord.ackResponse()); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	switch sub.Name {
	case ticketSubcommandSetup:
		k.handleTicketSetup(ctx, handler, i, sub)
	case ticketSubcommandDetails:
		k.handleTicketDetails(ctx, handler, i)
	}
}

// handleTicketSetup stores the guild's ticket channel, staff role, and
// support-center description and banner, then posts the support-center
// message to the ticket channel. The default message, if previously
// set, is preserved.
func (k *Kaeru) handleTicketSetup(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := handler.Logger()

	cfg, err := k.ticketManager.GuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	for _, opt := range sub.Options {
		switch opt.Name {
		case "channel":
			cfg.TicketChannelID = opt.ChannelValue(nil).ID
		case "staff_role":
			cfg.StaffRoleID = opt.RoleValue(nil, i.GuildID).ID
		case "description":
			cfg.Description = opt.StringValue()
		case "banner_url":
			cfg.BannerURL = opt.StringValue()
		}
	}
	if cfg.Description == "" {
		cfg.Description = supportCenterDefaultDescription
	}
	cfg.Status = guildTicketStatusActive

	if err = k.ticketManager.SetGuildConfig(ctx, i.GuildID, cfg); err != nil {
		logger.ErrorContext(ctx, "error saving guild config", tint.Err(err))
		k.editWithError(ctx, handler, ticketErrorMessage(err))
		return
	}

	k.postSupportCenter(ctx, logger, cfg)

	staffRole := "@here"
	if cfg.StaffRoleID != "" {
		staffRole = fmt.Sprintf("<@&%s>", cfg.StaffRoleID)
	}
	k.editWithInfo(
		ctx,
		handler,
		fmt.Sprintf(
			"Ticket system configured!\nTicket channel: <#%s>\nStaff: %s",
			cfg.TicketChannelID,
			staffRole,
		),
	)
}

// postSupportCenter posts the support-center message to the guild's
// ticket channel: the configured description and banner, plus an
// authorize link button when the OAuth flow is configured. Best effort.
func (k *Kaeru) postSupportCenter(
	ctx context.Context,
	logger *slog.Logger,
	cfg GuildTicketConfig,
) {
	if cfg.TicketChannelID == "" {
		return
	}
	embed := infoEmbed(cfg.Description)
	embed.Title = supportCenterTitle
	if cfg.BannerURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: cfg.BannerURL}
	}
	data := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}
	if linkURL := k.oauthLinkURL(); linkURL != "" {
		data.Components = []discordgo.MessageComponent{
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
	}
	if _, err := k.discord.session.ChannelMessageSendComplex(
		cfg.TicketChannelID,
		data,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(
			ctx,
			"error posting support center message",
			tint.Err(err),
		)
	}
}

// handleTicketDetails shows the guild's current ticket configuration
// and how many tickets have been opened.
func (k *Kaeru) handleTicketDetails(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	cfg, err := k.ticketManager.GuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	var counter CaseCounter
	if err = k.store.Get(ctx, counterKey(i.GuildID), &counter); err != nil &&
		!errors.Is(err, ErrKeyNotFound) {
		logger.ErrorContext(ctx, "error loading case counter", tint.Err(err))
	}

	lines := []string{}
	if cfg.TicketChannelID != "" {
		lines = append(lines, fmt.Sprintf("Ticket channel: <#%s>", cfg.TicketChannelID))
	} else {
		lines = append(lines, "Ticket channel: *(system channel)*")
	}
	if cfg.StaffRoleID != "" {
		lines = append(lines, fmt.Sprintf("Staff role: <@&%s>", cfg.StaffRoleID))
	} else {
		lines = append(lines, "Staff role: *(none, @here is used)*")
	}
	if cfg.Description != "" {
		lines = append(
			lines,
			fmt.Sprintf("Description: %s", truncate(cfg.Description, 500)),
		)
	}
	if cfg.BannerURL != "" {
		lines = append(lines, fmt.Sprintf("Banner: %s", cfg.BannerURL))
	}
	if cfg.DefaultMessage != "" {
		lines = append(
			lines,
			fmt.Sprintf("Default message: %s", truncate(cfg.DefaultMessage, 500)),
		)
	}
	lines = append(lines, fmt.Sprintf("Tickets opened: %d", counter.Count))

	k.editWithInfo(ctx, handler, strings.Join(lines, "\n"))
}

// handleTicketDefault opens the default-message modal.
func (k *Kaeru) handleTicketDefault(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	cfg, err := k.ticketManager.GuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
	}

	placeholder := "Thanks for opening a ticket! Our staff will be with you shortly."
	if cfg.DefaultMessage != "" {
		placeholder = truncate(cfg.DefaultMessage, 100)
	}
	modal := discordModalResponse(
		ticketDefaultModalCustomID,
		ticketDefaultModalInputID,
		ticketDefaultModalTitle,
		ticketDefaultModalLabel,
		placeholder,
		1,
		discordMaxMessageLength,
	)
	if err = handler.Respond(ctx, modal); err != nil {
		logger.ErrorContext(ctx, "error opening modal", tint.Err(err))
	}
}

// handleTicketDefaultModalSubmit stores the submitted default message.
func (k *Kaeru) handleTicketDefaultModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	data discordgo.ModalSubmitInteractionData,
) {
	logger := handler.Logger()

	textInput := getTextInputFromModal(data)
	if textInput == nil {
		logger.ErrorContext(ctx, "no text input in modal submission")
		return
	}

	cfg, err := k.ticketManager.GuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		return
	}
	cfg.DefaultMessage = textInput.Value
	if err = k.ticketManager.SetGuildConfig(ctx, i.GuildID, cfg); err != nil {
		logger.ErrorContext(ctx, "error saving guild config", tint.Err(err))
		return
	}

	if err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					infoEmbed("Default ticket message updated."),
				},
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error responding to modal", tint.Err(err))
	}
}

// getTextInputFromModal returns the first text input component from a
// modal submission
func getTextInputFromModal(
	modalData discordgo.ModalSubmitInteractionData,
) *discordgo.TextInput {
	for _, component := range modalData.Components {
		if component.Type() != discordgo.ActionsRowComponent {
			continue
		}
		actionsRow, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range actionsRow.Components {
			if rowComponent.Type() != discordgo.TextInputComponent {
				continue
			}
			textInput, ok := rowComponent.(*discordgo.TextInput)
			if ok {
				return textInput
			}
		}
	}
	return nil
}
