package kaeru

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleTranslateCommand translates the given message into the target
// language.
func (k *Kaeru) handleTranslateCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	if k.openai == nil {
		k.editWithError(ctx, handler, aiUnavailableMessage)
		return
	}
	options := discordInteractionOptions(i)
	messageOpt, messageOK := options["message"]
	languageOpt, languageOK := options["language"]
	if !messageOK || !languageOK {
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	translated, err := k.openai.Translate(
		ctx,
		messageOpt.StringValue(),
		languageOpt.StringValue(),
	)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error translating message", tint.Err(err))
		k.editWithError(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	k.editWithInfo(ctx, handler, truncate(translated, discordMaxMessageLength))
}
