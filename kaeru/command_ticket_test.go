package kaeru

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticketSetupInteraction(
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: "guild-1",
			Member:  &discordgo.Member{User: testUser()},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandTicket,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Name:    ticketSubcommandSetup,
						Options: options,
					},
				},
			},
		},
	}
}

func TestTicketSetupStoresConfigAndPostsSupportCenter(t *testing.T) {
	t.Parallel()
	k, session := newCommandTestKaeru(t)
	ctx := context.Background()

	i := ticketSetupInteraction(
		&discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionChannel,
			Name:  "channel",
			Value: "chan-9",
		},
		&discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionString,
			Name:  "description",
			Value: "Need help? Open a ticket.",
		},
		&discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionString,
			Name:  "banner_url",
			Value: "https://cdn.example.com/banner.png",
		},
	)
	h := &recordingInteractionHandler{t: t, interaction: i}
	k.handleTicketCommand(ctx, h, i)

	cfg, err := k.ticketManager.GuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-9", cfg.TicketChannelID)
	assert.Equal(t, "Need help? Open a ticket.", cfg.Description)
	assert.Equal(t, "https://cdn.example.com/banner.png", cfg.BannerURL)
	assert.Equal(t, guildTicketStatusActive, cfg.Status)

	// The support-center message went to the ticket channel
	session.mu.Lock()
	posts := session.complexMessages["chan-9"]
	session.mu.Unlock()
	require.Len(t, posts, 1)
	require.Len(t, posts[0].Embeds, 1)
	embed := posts[0].Embeds[0]
	assert.Equal(t, supportCenterTitle, embed.Title)
	assert.Equal(t, "Need help? Open a ticket.", embed.Description)
	require.NotNil(t, embed.Image)
	assert.Equal(t, "https://cdn.example.com/banner.png", embed.Image.URL)

	require.Len(t, posts[0].Components, 1)
	row, ok := posts[0].Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	button, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, discordgo.LinkButton, button.Style)
	assert.Equal(t, "https://bot.example.com/oauth/authorize", button.URL)
}

func TestTicketSetupDefaultsDescription(t *testing.T) {
	t.Parallel()
	k, _ := newCommandTestKaeru(t)
	ctx := context.Background()

	i := ticketSetupInteraction(
		&discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionChannel,
			Name:  "channel",
			Value: "chan-9",
		},
	)
	h := &recordingInteractionHandler{t: t, interaction: i}
	k.handleTicketCommand(ctx, h, i)

	cfg, err := k.ticketManager.GuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, supportCenterDefaultDescription, cfg.Description)
}
