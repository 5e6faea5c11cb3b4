package kaeru

import (
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("", 5))

	// Rune-based, not byte-based
	assert.Equal(t, "日本", truncate("日本語", 2))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := testLogger(t)
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	// nil logger falls back to the default
	ctx = WithLogger(context.Background(), nil)
	got, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestDiscordInteractionOptions(t *testing.T) {
	t.Parallel()
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandSend,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  sendCommandMessageOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "hello",
					},
				},
			},
		},
	}

	opts := discordInteractionOptions(i)
	require.Contains(t, opts, sendCommandMessageOption)
	assert.Equal(t, "hello", opts[sendCommandMessageOption].StringValue())
}

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()
	token := UserToken{
		AccessToken:  "super-secret",
		RefreshToken: "also-secret",
		ExpiresAt:    12345,
	}

	v := structToSlogValue(&token)
	require.Equal(t, slog.KindGroup, v.Kind())

	byKey := map[string]slog.Value{}
	for _, attr := range v.Group() {
		byKey[attr.Key] = attr.Value
	}

	assert.Equal(t, "[redacted]", byKey["access_token"].String())
	assert.Equal(t, "[redacted]", byKey["refresh_token"].String())
	assert.NotContains(t, v.String(), "super-secret")
}

func TestStructToSlogValueSkipsEmptyFields(t *testing.T) {
	t.Parallel()
	cfg := GuildTicketConfig{TicketChannelID: "123"}

	v := structToSlogValue(cfg)
	require.Equal(t, slog.KindGroup, v.Kind())

	keys := make([]string, 0, len(v.Group()))
	for _, attr := range v.Group() {
		keys = append(keys, attr.Key)
	}
	assert.Equal(t, []string{"ticket_channel_id"}, keys)
}

func TestStructToSlogValueNil(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())

	var ticket *Ticket
	assert.Equal(t, slog.KindAny, structToSlogValue(ticket).Kind())
}

func TestStringPointerValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", stringPointerValue(nil))
	s := "value"
	assert.Equal(t, "value", stringPointerValue(&s))
}
