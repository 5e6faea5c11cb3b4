package kaeru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Record key prefixes. Every record the ticket manager touches lives in
// the key-value store under one of these namespaces.
const (
	userStateKeyPrefix     = "user:"
	ticketKeyPrefix        = "ticket:"
	threadKeyPrefix        = "thread:"
	guildKeyPrefix         = "guild:"
	counterKeyPrefix       = "counter:"
	closeCooldownKeyPrefix = "cooldown:close:"
	userTokenKeyPrefix     = "token:"
)

var (
	// ErrNoTargetChannel indicates a guild has neither a configured
	// ticket channel nor a system channel to create threads in.
	ErrNoTargetChannel = errors.New("no ticket channel configured and guild has no system channel")

	// ErrNotTicketThread indicates a thread-scoped operation was invoked
	// in a channel that is not a known ticket thread.
	ErrNotTicketThread = errors.New("channel is not a ticket thread")

	// ErrTicketNotActive indicates the user has no open ticket.
	ErrTicketNotActive = errors.New("no active ticket")

	// ErrDMUnavailable indicates the user's DMs could not be opened or
	// written to, usually due to their privacy settings.
	ErrDMUnavailable = errors.New("user DMs unavailable")

	// ErrPersistenceFailure indicates the record store rejected a write
	// mid-operation. For ticket creation, the newly created thread has
	// already been deleted by the time this is returned.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// CooldownError is returned by [TicketManager.CloseFromDM] when the user
// closed a previous ticket too recently.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf(
		"ticket close on cooldown for another %s",
		e.Remaining.Round(time.Second),
	)
}

func userStateKey(userID string) string {
	return userStateKeyPrefix + userID
}

func ticketKey(ticketID string) string {
	return ticketKeyPrefix + ticketID
}

func threadKey(threadID string) string {
	return threadKeyPrefix + threadID
}

func guildKey(guildID string) string {
	return guildKeyPrefix + guildID
}

func counterKey(guildID string) string {
	return counterKeyPrefix + guildID
}

func closeCooldownKey(userID string) string {
	return closeCooldownKeyPrefix + userID
}

func userTokenKey(userID string) string {
	return userTokenKeyPrefix + userID
}

// UserTicketState tracks the user's single open ticket, if any. A user
// can have at most one open ticket across all guilds.
type UserTicketState struct {
	ActiveTicketID string `json:"active_ticket_id,omitempty"`
}

// Ticket is the durable record of one open ticket.
type Ticket struct {
	ID         string `json:"id"`
	GuildID    string `json:"guild_id"`
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	ThreadID   string `json:"thread_id"`
	CaseNumber int    `json:"case_number"`
	Title      string `json:"title,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func (t Ticket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("guild_id", t.GuildID),
		slog.String("user_id", t.UserID),
		slog.String("thread_id", t.ThreadID),
		slog.Int("case_number", t.CaseNumber),
	)
}

// ThreadIndex maps a thread ID back to its ticket, for operations
// invoked from inside the thread.
type ThreadIndex struct {
	TicketID string `json:"ticket_id"`
}

// guildTicketStatusActive marks a guild whose ticket system has been
// set up or has had a ticket opened.
const guildTicketStatusActive = "active"

// GuildTicketConfig is per-guild ticket configuration. /ticket setup
// writes the operator-chosen fields; ticket creation refreshes the
// guild metadata and caches the shared relay webhook.
type GuildTicketConfig struct {
	// GuildName mirrors the guild's name, refreshed on ticket creation.
	GuildName string `json:"guild_name,omitempty"`

	// SystemChannelID mirrors the guild's system channel, refreshed on
	// ticket creation.
	SystemChannelID string `json:"system_channel_id,omitempty"`

	// TicketChannelID is the channel ticket threads are created under.
	// When empty, the guild's system channel is used.
	TicketChannelID string `json:"ticket_channel_id,omitempty"`

	// WebhookURL is the relay webhook on the ticket channel, shared by
	// every ticket in the guild. May be empty if webhook creation
	// failed, in which case it's repaired on the first relayed message.
	WebhookURL string `json:"webhook_url,omitempty"`

	// StaffRoleID is mentioned in the new-ticket notice. When empty,
	// @here is used instead.
	StaffRoleID string `json:"staff_role_id,omitempty"`

	// Description is the body of the support-center message /ticket
	// setup posts to the ticket channel.
	Description string `json:"description,omitempty"`

	// BannerURL is the image shown on the support-center message.
	BannerURL string `json:"banner_url,omitempty"`

	// DefaultMessage is sent to the user when a new ticket opens.
	DefaultMessage string `json:"default_message,omitempty"`

	Status string `json:"status,omitempty"`
}

// CaseCounter is the per-guild monotonic case number source.
type CaseCounter struct {
	Count int `json:"count"`
}

// CloseCooldownRecord marks when a user last closed a ticket from DMs.
type CloseCooldownRecord struct {
	ExpiresAt int64 `json:"expires_at"`
}

// UserToken holds a user's OAuth2 tokens, captured by the linked-roles
// authorization flow. Used for best-effort role connection updates.
type UserToken struct {
	AccessToken  string `json:"access_token" log:"[redacted]"`
	RefreshToken string `json:"refresh_token,omitempty" log:"[redacted]"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// CreateTicketResult is returned by [TicketManager.Create]. AlreadyOpen
// is set when the user already had an open ticket, in which case Ticket
// is the existing one and nothing new was created.
type CreateTicketResult struct {
	Ticket      *Ticket
	AlreadyOpen bool
}

// keyedMutex provides a mutex per key. Ticket operations lock on the
// user ID so create/send/close for the same user never interleave,
// while different users proceed concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*sync.Mutex{}}
}

// Lock locks the mutex for the given key, and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// TicketManager implements the ticket lifecycle: opening private
// threads, relaying DMs into them through a webhook, relaying staff
// replies back out, and closing.
type TicketManager struct {
	store   KVStore
	discord DiscordSessionHandler
	config  *TicketConfig
	openai  *OpenAI
	roles   *RoleConnectionClient
	logger  *slog.Logger
	locks   *keyedMutex

	// authorizeURL is the public account-linking endpoint, included in
	// close notices so users can re-link before opening a new ticket.
	// Empty when OAuth isn't configured.
	authorizeURL string
}

// NewTicketManager initializes a TicketManager. openai and roles may be
// nil, disabling title summarization and role connection updates.
func NewTicketManager(
	store KVStore,
	session DiscordSessionHandler,
	cfg *TicketConfig,
	openai *OpenAI,
	roles *RoleConnectionClient,
	logger *slog.Logger,
) *TicketManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketManager{
		store:   store,
		discord: session,
		config:  cfg,
		openai:  openai,
		roles:   roles,
		logger:  logger.With(loggerNameKey, "ticket_manager"),
		locks:   newKeyedMutex(),
	}
}

// reqContext bounds a single Discord REST call. A call that exceeds this
// surfaces as context.DeadlineExceeded, distinguishable from an API
// rejection.
func (m *TicketManager) reqContext(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	return context.WithTimeout(ctx, m.config.RequestTimeout)
}

// GuildConfig returns the stored per-guild configuration, or a zero
// value if the guild was never set up.
func (m *TicketManager) GuildConfig(
	ctx context.Context,
	guildID string,
) (GuildTicketConfig, error) {
	var cfg GuildTicketConfig
	err := m.store.Get(ctx, guildKey(guildID), &cfg)
	if errors.Is(err, ErrKeyNotFound) {
		return cfg, nil
	}
	return cfg, err
}

// SetGuildConfig stores the per-guild configuration.
func (m *TicketManager) SetGuildConfig(
	ctx context.Context,
	guildID string,
	cfg GuildTicketConfig,
) error {
	return m.store.Set(ctx, guildKey(guildID), cfg)
}

// ActiveTicket returns the user's open ticket, or ErrTicketNotActive.
// If the state record points at a ticket that no longer exists, the
// stale pointer is cleared.
func (m *TicketManager) ActiveTicket(
	ctx context.Context,
	userID string,
) (*Ticket, error) {
	var state UserTicketState
	err := m.store.Get(ctx, userStateKey(userID), &state)
	if errors.Is(err, ErrKeyNotFound) || (err == nil && state.ActiveTicketID == "") {
		return nil, ErrTicketNotActive
	}
	if err != nil {
		return nil, err
	}

	var ticket Ticket
	err = m.store.Get(ctx, ticketKey(state.ActiveTicketID), &ticket)
	if errors.Is(err, ErrKeyNotFound) {
		if e := m.store.Set(ctx, userStateKey(userID), UserTicketState{}); e != nil {
			m.logger.WarnContext(
				ctx,
				"error clearing stale ticket pointer",
				"user_id", userID,
				tint.Err(e),
			)
		}
		return nil, ErrTicketNotActive
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// TicketForThread returns the ticket owning the given thread, or
// ErrNotTicketThread.
func (m *TicketManager) TicketForThread(
	ctx context.Context,
	threadID string,
) (*Ticket, error) {
	var idx ThreadIndex
	err := m.store.Get(ctx, threadKey(threadID), &idx)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrNotTicketThread
	}
	if err != nil {
		return nil, err
	}

	var ticket Ticket
	err = m.store.Get(ctx, ticketKey(idx.TicketID), &ticket)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrNotTicketThread
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Create opens a new ticket for the user in the given guild: a private
// thread under the guild's ticket channel (or its system channel), a
// relay webhook on the parent channel, and the records tying them
// together. If the user already has an open ticket the existing one is
// returned with AlreadyOpen set, regardless of which guild it's in.
//
// A record store failure after the thread exists deletes the thread and
// returns an error wrapping [ErrPersistenceFailure]. Thread deletion is
// the only rollback performed.
func (m *TicketManager) Create(
	ctx context.Context,
	guildID string,
	user *discordgo.User,
	initialMessage string,
) (*CreateTicketResult, error) {
	unlock := m.locks.Lock(user.ID)
	defer unlock()

	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = m.logger
	}
	logger = logger.With("guild_id", guildID, "user_id", user.ID)

	existing, err := m.ActiveTicket(ctx, user.ID)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "user already has an open ticket", "ticket", existing)
		return &CreateTicketResult{Ticket: existing, AlreadyOpen: true}, nil
	case errors.Is(err, ErrTicketNotActive):
		// proceed
	default:
		return nil, err
	}

	guildCfg, err := m.GuildConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := m.reqContext(ctx)
	guild, err := m.discord.Guild(guildID, discordgo.WithContext(reqCtx))
	cancel()
	if err != nil {
		if guildCfg.TicketChannelID == "" {
			return nil, fmt.Errorf("error getting guild %s: %w", guildID, err)
		}
		logger.WarnContext(ctx, "error refreshing guild metadata", tint.Err(err))
	} else {
		guildCfg.GuildName = guild.Name
		guildCfg.SystemChannelID = guild.SystemChannelID
	}

	channelID := guildCfg.TicketChannelID
	if channelID == "" {
		if guildCfg.SystemChannelID == "" {
			return nil, ErrNoTargetChannel
		}
		channelID = guildCfg.SystemChannelID
	}

	caseNumber, err := m.nextCaseNumber(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	title := m.threadTitle(ctx, user, initialMessage)
	threadName := fmt.Sprintf("Case #%d | %s", caseNumber, title)

	reqCtx, cancel = m.reqContext(ctx)
	thread, err := m.discord.ThreadStartComplex(
		channelID,
		&discordgo.ThreadStart{
			Name:                truncate(threadName, 100),
			AutoArchiveDuration: m.config.ThreadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPrivateThread,
			Invitable:           false,
		},
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("error creating ticket thread: %w", err)
	}

	if guildCfg.WebhookURL == "" {
		hookURL, hookErr := m.getOrCreateWebhookURL(ctx, channelID)
		if hookErr != nil {
			logger.WarnContext(
				ctx,
				"error creating relay webhook, will retry on first relay",
				"channel_id", channelID,
				tint.Err(hookErr),
			)
		}
		guildCfg.WebhookURL = hookURL
	}
	guildCfg.Status = guildTicketStatusActive

	ticket := Ticket{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		UserID:     user.ID,
		ChannelID:  channelID,
		ThreadID:   thread.ID,
		CaseNumber: caseNumber,
		Title:      title,
		CreatedAt:  time.Now().UnixMilli(),
	}

	if err = m.persistNewTicket(ctx, &ticket, guildCfg); err != nil {
		reqCtx, cancel = m.reqContext(ctx)
		if _, delErr := m.discord.ChannelDelete(
			thread.ID,
			discordgo.WithContext(reqCtx),
		); delErr != nil {
			logger.ErrorContext(
				ctx,
				"error deleting thread after failed persist",
				"thread_id", thread.ID,
				tint.Err(delErr),
			)
		}
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	m.sendStaffNotice(ctx, &ticket, guildCfg, user, initialMessage)
	m.sendDefaultMessage(ctx, &ticket, guildCfg)
	m.bumpThreadsCreated(ctx, user.ID)

	logger.InfoContext(ctx, "ticket created", "ticket", ticket)
	return &CreateTicketResult{Ticket: &ticket}, nil
}

// persistNewTicket writes the refreshed guild config, the ticket, its
// thread index, and the user's open-ticket pointer. The first failure
// aborts and is returned.
func (m *TicketManager) persistNewTicket(
	ctx context.Context,
	t *Ticket,
	guildCfg GuildTicketConfig,
) error {
	if err := m.store.Set(ctx, guildKey(t.GuildID), guildCfg); err != nil {
		return err
	}
	if err := m.store.Set(ctx, ticketKey(t.ID), t); err != nil {
		return err
	}
	if err := m.store.Set(
		ctx,
		threadKey(t.ThreadID),
		ThreadIndex{TicketID: t.ID},
	); err != nil {
		return err
	}
	return m.store.Set(
		ctx,
		userStateKey(t.UserID),
		UserTicketState{ActiveTicketID: t.ID},
	)
}

// nextCaseNumber increments and persists the guild's case counter.
func (m *TicketManager) nextCaseNumber(
	ctx context.Context,
	guildID string,
) (int, error) {
	var counter CaseCounter
	err := m.store.Get(ctx, counterKey(guildID), &counter)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return 0, err
	}
	counter.Count++
	if err = m.store.Set(ctx, counterKey(guildID), counter); err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// threadTitle picks the title segment for a new ticket thread. Falls
// back to the user's display name if summarization is disabled, fails,
// or there's nothing to summarize.
func (m *TicketManager) threadTitle(
	ctx context.Context,
	user *discordgo.User,
	initialMessage string,
) string {
	fallback := user.Username
	if user.GlobalName != "" {
		fallback = user.GlobalName
	}
	if !m.config.SummarizeTitles || m.openai == nil || initialMessage == "" {
		return fallback
	}
	title, err := m.openai.SummarizeTicketTitle(ctx, initialMessage)
	if err != nil || title == "" {
		m.logger.WarnContext(
			ctx,
			"error summarizing ticket title",
			tint.Err(err),
		)
		return fallback
	}
	return title
}

// sendStaffNotice posts the new-ticket notice into the thread,
// mentioning the staff role if one is configured and @here otherwise.
// Best effort.
func (m *TicketManager) sendStaffNotice(
	ctx context.Context,
	t *Ticket,
	cfg GuildTicketConfig,
	user *discordgo.User,
	initialMessage string,
) {
	mention := "@here"
	if cfg.StaffRoleID != "" {
		mention = fmt.Sprintf("<@&%s>", cfg.StaffRoleID)
	}
	content := fmt.Sprintf(
		"%s New ticket from <@%s> (Case #%d)",
		mention,
		user.ID,
		t.CaseNumber,
	)
	if initialMessage != "" {
		content = fmt.Sprintf(
			"%s\n>>> %s",
			content,
			truncate(initialMessage, discordMaxMessageLength-len(content)-8),
		)
	}
	reqCtx, cancel := m.reqContext(ctx)
	defer cancel()
	_, err := m.discord.ChannelMessageSend(
		t.ThreadID,
		content,
		discordgo.WithContext(reqCtx),
	)
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending staff notice",
			"ticket", *t,
			tint.Err(err),
		)
	}
}

// sendDefaultMessage DMs the guild's configured welcome message to the
// ticket owner. Best effort.
func (m *TicketManager) sendDefaultMessage(
	ctx context.Context,
	t *Ticket,
	cfg GuildTicketConfig,
) {
	if cfg.DefaultMessage == "" {
		return
	}
	reqCtx, cancel := m.reqContext(ctx)
	dm, err := m.discord.UserChannelCreate(
		t.UserID,
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error opening DM for default message",
			"ticket", *t,
			tint.Err(err),
		)
		return
	}
	reqCtx, cancel = m.reqContext(ctx)
	defer cancel()
	if _, err = m.discord.ChannelMessageSend(
		dm.ID,
		truncate(cfg.DefaultMessage, discordMaxMessageLength),
		discordgo.WithContext(reqCtx),
	); err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending default message",
			"ticket", *t,
			tint.Err(err),
		)
	}
}

// getOrCreateWebhookURL finds the relay webhook on the given channel by
// its fixed name, creating it if absent. Lookup-by-name makes this safe
// to call repeatedly without accumulating webhooks.
func (m *TicketManager) getOrCreateWebhookURL(
	ctx context.Context,
	channelID string,
) (string, error) {
	reqCtx, cancel := m.reqContext(ctx)
	hooks, err := m.discord.ChannelWebhooks(
		channelID,
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		return "", fmt.Errorf("error listing webhooks: %w", err)
	}
	for _, hook := range hooks {
		if hook.Name == m.config.WebhookName && hook.Token != "" {
			return webhookURL(hook.ID, hook.Token), nil
		}
	}

	reqCtx, cancel = m.reqContext(ctx)
	defer cancel()
	hook, err := m.discord.WebhookCreate(
		channelID,
		m.config.WebhookName,
		"",
		discordgo.WithContext(reqCtx),
	)
	if err != nil {
		return "", fmt.Errorf("error creating webhook: %w", err)
	}
	return webhookURL(hook.ID, hook.Token), nil
}

// SendFromDM relays a user's DM into their open ticket thread,
// impersonating them through the relay webhook. A missing or deleted
// webhook is recreated and the send retried once; if the retry also
// fails, the content is posted directly to the thread with a marker
// noting it came from DMs.
func (m *TicketManager) SendFromDM(
	ctx context.Context,
	user *discordgo.User,
	content string,
) error {
	unlock := m.locks.Lock(user.ID)
	defer unlock()

	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = m.logger
	}
	logger = logger.With("user_id", user.ID)

	ticket, err := m.ActiveTicket(ctx, user.ID)
	if err != nil {
		return err
	}

	guildCfg, err := m.GuildConfig(ctx, ticket.GuildID)
	if err != nil {
		return err
	}

	if guildCfg.WebhookURL == "" {
		if err = m.repairWebhook(ctx, ticket, &guildCfg); err != nil {
			logger.WarnContext(ctx, "error repairing webhook", tint.Err(err))
			return m.relayDirect(ctx, ticket, user, content)
		}
	}

	err = m.executeWebhook(ctx, guildCfg.WebhookURL, ticket.ThreadID, user, content)
	if err == nil {
		return nil
	}
	if !isDiscordNotFound(err) {
		return fmt.Errorf("error relaying message: %w", err)
	}

	// Webhook was deleted out from under us. Recreate and retry once.
	logger.InfoContext(ctx, "relay webhook gone, recreating", "ticket", *ticket)
	if err = m.repairWebhook(ctx, ticket, &guildCfg); err != nil {
		logger.WarnContext(ctx, "error repairing webhook", tint.Err(err))
		return m.relayDirect(ctx, ticket, user, content)
	}
	err = m.executeWebhook(ctx, guildCfg.WebhookURL, ticket.ThreadID, user, content)
	if err == nil {
		return nil
	}
	logger.WarnContext(
		ctx,
		"webhook relay failed after repair, posting directly",
		tint.Err(err),
	)
	return m.relayDirect(ctx, ticket, user, content)
}

// repairWebhook recreates the relay webhook and persists the new URL on
// the guild config, where every ticket in the guild shares it.
func (m *TicketManager) repairWebhook(
	ctx context.Context,
	t *Ticket,
	cfg *GuildTicketConfig,
) error {
	hookURL, err := m.getOrCreateWebhookURL(ctx, t.ChannelID)
	if err != nil {
		return err
	}
	cfg.WebhookURL = hookURL
	if err = m.SetGuildConfig(ctx, t.GuildID, *cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// executeWebhook posts content to the ticket thread through the relay
// webhook, with the user's name and avatar.
func (m *TicketManager) executeWebhook(
	ctx context.Context,
	hookURL string,
	threadID string,
	user *discordgo.User,
	content string,
) error {
	hookID, hookToken, err := parseWebhookURL(hookURL)
	if err != nil {
		return err
	}
	username := user.Username
	if user.GlobalName != "" {
		username = user.GlobalName
	}
	reqCtx, cancel := m.reqContext(ctx)
	defer cancel()
	_, err = m.discord.WebhookThreadExecute(
		hookID,
		hookToken,
		true,
		threadID,
		&discordgo.WebhookParams{
			Content:   truncate(content, discordMaxMessageLength),
			Username:  username,
			AvatarURL: user.AvatarURL(""),
		},
		discordgo.WithContext(reqCtx),
	)
	return err
}

// relayDirect is the webhook fallback: post the content as the bot,
// marked as coming from the user's DMs.
func (m *TicketManager) relayDirect(
	ctx context.Context,
	t *Ticket,
	user *discordgo.User,
	content string,
) error {
	msg := fmt.Sprintf(
		"**%s** *(sent from DMs)*:\n%s",
		user.Username,
		content,
	)
	reqCtx, cancel := m.reqContext(ctx)
	defer cancel()
	_, err := m.discord.ChannelMessageSend(
		t.ThreadID,
		truncate(msg, discordMaxMessageLength),
		discordgo.WithContext(reqCtx),
	)
	if err != nil {
		return fmt.Errorf("error posting to thread: %w", err)
	}
	return nil
}

// SendFromThread relays a staff member's message from the ticket thread
// to the ticket owner's DMs, marked as a staff reply. Returns
// ErrNotTicketThread when called outside a ticket thread, and
// ErrDMUnavailable when the owner's DMs are closed.
func (m *TicketManager) SendFromThread(
	ctx context.Context,
	threadID string,
	staff *discordgo.User,
	content string,
) error {
	ticket, err := m.TicketForThread(ctx, threadID)
	if err != nil {
		return err
	}

	reqCtx, cancel := m.reqContext(ctx)
	dm, err := m.discord.UserChannelCreate(
		ticket.UserID,
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDMUnavailable, err)
	}

	staffName := staff.Username
	if staff.GlobalName != "" {
		staffName = staff.GlobalName
	}
	msg := fmt.Sprintf(
		"**%s** *(replied by staff)*:\n%s",
		staffName,
		content,
	)
	reqCtx, cancel = m.reqContext(ctx)
	defer cancel()
	_, err = m.discord.ChannelMessageSend(
		dm.ID,
		truncate(msg, discordMaxMessageLength),
		discordgo.WithContext(reqCtx),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDMUnavailable, err)
	}
	return nil
}

// CloseFromDM closes the user's open ticket at their own request. A
// cooldown applies between DM-initiated closes; when still cooling
// down, a *CooldownError with the remaining duration is returned
// before the ticket lookup, and any open ticket stays open.
func (m *TicketManager) CloseFromDM(
	ctx context.Context,
	user *discordgo.User,
) (*Ticket, error) {
	unlock := m.locks.Lock(user.ID)
	defer unlock()

	if remaining := m.closeCooldownRemaining(ctx, user.ID); remaining > 0 {
		return nil, &CooldownError{Remaining: remaining}
	}

	ticket, err := m.ActiveTicket(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	m.sendCooldownPolicyNotice(ctx, user.ID)

	if err = m.closeTicket(ctx, ticket, true); err != nil {
		return nil, err
	}

	cooldown := CloseCooldownRecord{
		ExpiresAt: time.Now().Add(m.config.CloseCooldown).UnixMilli(),
	}
	if err = m.store.Set(ctx, closeCooldownKey(user.ID), cooldown); err != nil {
		m.logger.WarnContext(
			ctx,
			"error recording close cooldown",
			"user_id", user.ID,
			tint.Err(err),
		)
	}
	return ticket, nil
}

// sendCooldownPolicyNotice warns the user, before a DM-initiated close
// goes through, that another close within the cooldown window will be
// refused. Best effort.
func (m *TicketManager) sendCooldownPolicyNotice(
	ctx context.Context,
	userID string,
) {
	reqCtx, cancel := m.reqContext(ctx)
	dm, err := m.discord.UserChannelCreate(
		userID,
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error opening DM for cooldown notice",
			"user_id", userID,
			tint.Err(err),
		)
		return
	}
	notice := fmt.Sprintf(
		"**Warning:** Closing tickets too quickly will put you on a %s cooldown before you can close another ticket.",
		m.config.CloseCooldown.Round(time.Second),
	)
	reqCtx, cancel = m.reqContext(ctx)
	defer cancel()
	if _, err = m.discord.ChannelMessageSend(
		dm.ID,
		notice,
		discordgo.WithContext(reqCtx),
	); err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending cooldown notice",
			"user_id", userID,
			tint.Err(err),
		)
	}
}

// CloseFromThread closes the ticket owning the given thread, on behalf
// of staff. No cooldown applies.
func (m *TicketManager) CloseFromThread(
	ctx context.Context,
	threadID string,
) (*Ticket, error) {
	ticket, err := m.TicketForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(ticket.UserID)
	defer unlock()

	if err = m.closeTicket(ctx, ticket, false); err != nil {
		return nil, err
	}
	return ticket, nil
}

// closeCooldownRemaining returns how long until the user may close
// another ticket from DMs, or zero.
func (m *TicketManager) closeCooldownRemaining(
	ctx context.Context,
	userID string,
) time.Duration {
	var rec CloseCooldownRecord
	err := m.store.Get(ctx, closeCooldownKey(userID), &rec)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			m.logger.WarnContext(
				ctx,
				"error reading close cooldown",
				"user_id", userID,
				tint.Err(err),
			)
		}
		return 0
	}
	remaining := time.Until(time.UnixMilli(rec.ExpiresAt))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// closeTicket archives the thread, notifies the user, and removes the
// ticket's records. Archive and notification are best effort, and a
// failure in either never blocks cleanup. Record deletions that fail
// are joined into an error wrapping ErrPersistenceFailure.
func (m *TicketManager) closeTicket(
	ctx context.Context,
	t *Ticket,
	closedByUser bool,
) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = m.logger
	}
	logger = logger.With("ticket", *t)

	archived := true
	locked := true
	reqCtx, cancel := m.reqContext(ctx)
	_, err := m.discord.ChannelEditComplex(
		t.ThreadID,
		&discordgo.ChannelEdit{
			Archived: &archived,
			Locked:   &locked,
		},
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "error archiving ticket thread", tint.Err(err))
	}

	if !closedByUser {
		m.notifyUserClosed(ctx, t, logger)
	}

	var cleanupErr error
	if err = m.store.Delete(ctx, ticketKey(t.ID)); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if err = m.store.Delete(ctx, threadKey(t.ThreadID)); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if err = m.store.Set(
		ctx,
		userStateKey(t.UserID),
		UserTicketState{},
	); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if cleanupErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, cleanupErr)
	}

	logger.InfoContext(ctx, "ticket closed", "closed_by_user", closedByUser)
	return nil
}

// notifyUserClosed tells the ticket owner their ticket was closed. Best
// effort.
func (m *TicketManager) notifyUserClosed(
	ctx context.Context,
	t *Ticket,
	logger *slog.Logger,
) {
	reqCtx, cancel := m.reqContext(ctx)
	dm, err := m.discord.UserChannelCreate(
		t.UserID,
		discordgo.WithContext(reqCtx),
	)
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "error opening DM for close notice", tint.Err(err))
		return
	}
	msg := fmt.Sprintf(
		"Your ticket (Case #%d) has been closed by staff. If you need further help, you can open a new ticket anytime with `/create` here in our DMs.",
		t.CaseNumber,
	)
	if m.authorizeURL != "" {
		msg += fmt.Sprintf(
			" If you removed the app, [re-link it](%s) first.",
			m.authorizeURL,
		)
	}
	reqCtx, cancel = m.reqContext(ctx)
	defer cancel()
	_, err = m.discord.ChannelMessageSend(
		dm.ID,
		msg,
		discordgo.WithContext(reqCtx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error sending close notice", tint.Err(err))
	}
}

// bumpThreadsCreated increments the user's threads_created role
// connection metadata, if they've linked their account. Best effort.
func (m *TicketManager) bumpThreadsCreated(ctx context.Context, userID string) {
	if m.roles == nil {
		return
	}
	var token UserToken
	err := m.store.Get(ctx, userTokenKey(userID), &token)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			m.logger.WarnContext(
				ctx,
				"error reading user token",
				"user_id", userID,
				tint.Err(err),
			)
		}
		return
	}
	if err = m.roles.IncrementThreadsCreated(ctx, token.AccessToken); err != nil {
		m.logger.WarnContext(
			ctx,
			"error updating role connection",
			"user_id", userID,
			tint.Err(err),
		)
	}
}
