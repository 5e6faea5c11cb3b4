package kaeru

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const aiUnavailableMessage = "AI features aren't configured on this bot."

// handleMoodCheckCommand analyzes the mood of the given message.
func (k *Kaeru) handleMoodCheckCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	if k.openai == nil {
		k.editWithError(ctx, handler, aiUnavailableMessage)
		return
	}
	options := discordInteractionOptions(i)
	opt, ok := options["message"]
	if !ok {
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	mood, err := k.openai.MoodCheck(ctx, opt.StringValue())
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error checking mood", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	k.editWithInfo(ctx, handler, truncate(mood, discordMaxMessageLength))
}
