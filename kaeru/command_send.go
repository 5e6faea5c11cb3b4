package kaeru

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	sendResponseRelayedToThread = "Message sent to your ticket."
	sendResponseRelayedToUser   = "Message sent to the user."
)

// handleSendCommand relays a message across the DM/thread boundary.
// From DMs, the message goes into the user's open ticket thread,
// impersonated through the relay webhook. From inside a ticket thread,
// it goes to the ticket owner's DMs as a staff reply.
func (k *Kaeru) handleSendCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	options := discordInteractionOptions(i)

	opt, ok := options[sendCommandMessageOption]
	if !ok {
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	content := opt.StringValue()

	if i.GuildID == "" {
		err := k.ticketManager.SendFromDM(ctx, user, content)
		if err != nil {
			if !errors.Is(err, ErrTicketNotActive) {
				handler.Logger().ErrorContext(
					ctx,
					"error relaying DM to thread",
					tint.Err(err),
				)
			}
			k.editWithError(ctx, handler, ticketErrorMessage(err))
			return
		}
		k.editWithInfo(ctx, handler, sendResponseRelayedToThread)
		return
	}

	err := k.ticketManager.SendFromThread(ctx, i.ChannelID, user, content)
	if err != nil {
		if !errors.Is(err, ErrNotTicketThread) {
			handler.Logger().ErrorContext(
				ctx,
				"error relaying thread message to DM",
				tint.Err(err),
			)
		}
		k.editWithError(ctx, handler, ticketErrorMessage(err))
		return
	}
	k.editWithInfo(ctx, handler, sendResponseRelayedToUser)
}
