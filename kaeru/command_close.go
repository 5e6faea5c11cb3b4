package kaeru

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const closeResponseClosed = "Ticket closed (Case #%d)."

// handleCloseCommand closes a ticket. From DMs, it closes the user's
// own open ticket, subject to the close cooldown. From inside a ticket
// thread, it closes that ticket with no cooldown.
func (k *Kaeru) handleCloseCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)

	var ticket *Ticket
	var err error
	if i.GuildID == "" {
		ticket, err = k.ticketManager.CloseFromDM(ctx, user)
	} else {
		ticket, err = k.ticketManager.CloseFromThread(ctx, i.ChannelID)
	}
	if err != nil {
		var cooldownErr *CooldownError
		expected := errors.Is(err, ErrTicketNotActive) ||
			errors.Is(err, ErrNotTicketThread) ||
			errors.As(err, &cooldownErr)
		if !expected {
			handler.Logger().ErrorContext(ctx, "error closing ticket", tint.Err(err))
		}
		k.editWithError(ctx, handler, ticketErrorMessage(err))
		return
	}
	k.editWithInfo(
		ctx,
		handler,
		fmt.Sprintf(closeResponseClosed, ticket.CaseNumber),
	)
}
