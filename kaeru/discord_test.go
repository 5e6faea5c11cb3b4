package kaeru

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelWarn,
				AddSource: true,
			},
		),
	).With(loggerNameKey, t.Name())
}

// webhookExecuteCall records one WebhookThreadExecute invocation.
type webhookExecuteCall struct {
	webhookID string
	token     string
	threadID  string
	params    *discordgo.WebhookParams
}

// mockDiscordSession is an in-memory DiscordSessionHandler. It records
// threads, messages, and webhooks, and its error fields inject failures
// for specific calls.
type mockDiscordSession struct {
	mu sync.Mutex

	guild      *discordgo.Guild
	userGuilds []*discordgo.UserGuild

	nextThreadID  int
	nextWebhookID int

	threads         map[string]*discordgo.Channel
	deletedChannels []string
	channelEdits    map[string]*discordgo.ChannelEdit
	messages        map[string][]string
	complexMessages map[string][]*discordgo.MessageSend
	webhooks        map[string][]*discordgo.Webhook
	webhookExecutes []webhookExecuteCall
	dmChannels      map[string]string
	customStatus    string

	threadStartErr       error
	channelMessageErr    error
	channelEditErr       error
	channelWebhooksErr   error
	webhookCreateErr     error
	userChannelCreateErr error

	// webhookExecuteErrs is consumed one entry per WebhookThreadExecute
	// call; a nil entry means that call succeeds. When exhausted, calls
	// succeed.
	webhookExecuteErrs []error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		threads:         map[string]*discordgo.Channel{},
		channelEdits:    map[string]*discordgo.ChannelEdit{},
		messages:        map[string][]string{},
		complexMessages: map[string][]*discordgo.MessageSend{},
		webhooks:        map[string][]*discordgo.Webhook{},
		dmChannels:      map[string]string{},
	}
}

// discordNotFoundErr builds the 404 REST error discordgo returns for a
// deleted webhook.
func discordNotFoundErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Message: "Unknown Webhook"},
	}
}

func (d *mockDiscordSession) sentMessages(channelID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.messages[channelID]...)
}

func (d *mockDiscordSession) Open() error  { return nil }
func (d *mockDiscordSession) Close() error { return nil }

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelMessageErr != nil {
		return nil, d.channelMessageErr
	}
	d.messages[channelID] = append(d.messages[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelMessageErr != nil {
		return nil, d.channelMessageErr
	}
	d.messages[channelID] = append(d.messages[channelID], data.Content)
	d.complexMessages[channelID] = append(d.complexMessages[channelID], data)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (d *mockDiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.threadStartErr != nil {
		return nil, d.threadStartErr
	}
	d.nextThreadID++
	thread := &discordgo.Channel{
		ID:       fmt.Sprintf("thread-%d", d.nextThreadID),
		Name:     data.Name,
		ParentID: channelID,
		Type:     data.Type,
	}
	d.threads[thread.ID] = thread
	return thread, nil
}

func (d *mockDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelEditErr != nil {
		return nil, d.channelEditErr
	}
	d.channelEdits[channelID] = data
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletedChannels = append(d.deletedChannels, channelID)
	delete(d.threads, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if thread, ok := d.threads[channelID]; ok {
		return thread, nil
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) ChannelWebhooks(
	channelID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelWebhooksErr != nil {
		return nil, d.channelWebhooksErr
	}
	return append([]*discordgo.Webhook{}, d.webhooks[channelID]...), nil
}

func (d *mockDiscordSession) WebhookCreate(
	channelID string,
	name string,
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.webhookCreateErr != nil {
		return nil, d.webhookCreateErr
	}
	d.nextWebhookID++
	hook := &discordgo.Webhook{
		ID:        fmt.Sprintf("hook-%d", d.nextWebhookID),
		Token:     fmt.Sprintf("hooktoken-%d", d.nextWebhookID),
		Name:      name,
		ChannelID: channelID,
	}
	d.webhooks[channelID] = append(d.webhooks[channelID], hook)
	return hook, nil
}

func (d *mockDiscordSession) WebhookThreadExecute(
	webhookID string,
	token string,
	_ bool,
	threadID string,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.webhookExecuteErrs) > 0 {
		err := d.webhookExecuteErrs[0]
		d.webhookExecuteErrs = d.webhookExecuteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	d.webhookExecutes = append(
		d.webhookExecutes,
		webhookExecuteCall{
			webhookID: webhookID,
			token:     token,
			threadID:  threadID,
			params:    data,
		},
	)
	return &discordgo.Message{Content: data.Content}, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userChannelCreateErr != nil {
		return nil, d.userChannelCreateErr
	}
	dmID, ok := d.dmChannels[recipientID]
	if !ok {
		dmID = "dm-" + recipientID
		d.dmChannels[recipientID] = dmID
	}
	return &discordgo.Channel{ID: dmID, Type: discordgo.ChannelTypeDM}, nil
}

func (d *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guild != nil {
		return d.guild, nil
	}
	return &discordgo.Guild{ID: guildID}, nil
}

func (d *mockDiscordSession) UserGuilds(
	_ int,
	_ string,
	_ string,
	_ bool,
	_ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.UserGuild{}, d.userGuilds...), nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customStatus = status
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

func (d *mockDiscordSession) GatewayBot(_ ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{}, nil
}

var _ DiscordSessionHandler = (*mockDiscordSession)(nil)

func TestWebhookURLRoundtrip(t *testing.T) {
	t.Parallel()
	u := webhookURL("12345", "s3cr3t-token")
	id, token, err := parseWebhookURL(u)
	require.NoError(t, err)
	assert.Equal(t, "12345", id)
	assert.Equal(t, "s3cr3t-token", token)
}

func TestParseWebhookURL(t *testing.T) {
	t.Parallel()
	id, token, err := parseWebhookURL(
		"https://discord.com/api/v10/webhooks/999/tok",
	)
	require.NoError(t, err)
	assert.Equal(t, "999", id)
	assert.Equal(t, "tok", token)

	_, _, err = parseWebhookURL("https://discord.com/api/v10/channels/999")
	assert.Error(t, err)

	_, _, err = parseWebhookURL("https://discord.com/api/webhooks/999")
	assert.Error(t, err)
}

func TestIsDiscordNotFound(t *testing.T) {
	t.Parallel()
	assert.True(t, isDiscordNotFound(discordNotFoundErr()))
	assert.False(
		t,
		isDiscordNotFound(
			&discordgo.RESTError{
				Response: &http.Response{StatusCode: http.StatusForbidden},
			},
		),
	)
	assert.False(t, isDiscordNotFound(fmt.Errorf("boom")))
	assert.False(t, isDiscordNotFound(nil))
	assert.True(
		t,
		isDiscordNotFound(fmt.Errorf("wrapped: %w", discordNotFoundErr())),
	)
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(
		t,
		isTimeout(fmt.Errorf("request: %w", context.DeadlineExceeded)),
	)
	assert.False(t, isTimeout(context.Canceled))
	assert.False(t, isTimeout(fmt.Errorf("boom")))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	dmUser := &discordgo.User{ID: "u1"}
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: dmUser},
	}
	assert.Equal(t, dmUser, getDiscordUser(i))

	memberUser := &discordgo.User{ID: "u2"}
	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: memberUser},
		},
	}
	assert.Equal(t, memberUser, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestAppCommands(t *testing.T) {
	t.Parallel()
	d := &Discord{}

	create := d.appCommandCreate()
	assert.Equal(t, DiscordSlashCommandCreate, create.Name)

	send := d.appCommandSend()
	assert.Equal(t, DiscordSlashCommandSend, send.Name)
	require.Len(t, send.Options, 1)
	assert.True(t, send.Options[0].Required)

	closeCmd := d.appCommandClose()
	assert.Equal(t, DiscordSlashCommandClose, closeCmd.Name)

	ticket := d.appCommandTicket()
	assert.Equal(t, DiscordSlashCommandTicket, ticket.Name)
	require.NotNil(t, ticket.DMPermission)
	assert.False(t, *ticket.DMPermission)
	subcommands := make([]string, 0, len(ticket.Options))
	for _, opt := range ticket.Options {
		subcommands = append(subcommands, opt.Name)
	}
	assert.ElementsMatch(t, []string{"setup", "details", "default"}, subcommands)
}
