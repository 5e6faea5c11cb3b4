// Package kaeru implements a Discord modmail-style ticket bot: users open a
// private support thread in a mutual server directly from their DMs, and
// the bot relays messages in both directions between the user's DM
// session and a staff-facing guild thread.
//
// Key components of the package include:
//
//   - Kaeru: The main struct that wires together configuration, storage,
//     Discord integration, and the HTTP servers.
//   - TicketManager: Owns the ticket lifecycle (create, relay, close),
//     its invariants, and the close cooldown.
//   - KVStore: A key-value record store backed by GORM, holding ticket,
//     user, guild, counter, and cooldown records as JSON documents.
//   - Discord: Discord session management, slash command registration,
//     and interaction dispatch.
//   - OpenAI: Small wrappers around the OpenAI chat API used for ticket
//     title summarization, mood checks, and message translation.
//   - API: An OAuth2 server handling user authorization and linked-roles
//     metadata for the bot's user-install flow.
//
// The bot supports the commands:
//
//   - /create: Open a ticket thread in a mutual server (from DMs).
//   - /send: Relay a message between a DM session and its ticket thread.
//   - /close: Close and archive the current ticket.
//   - /ticket: Configure the ticket system (staff only).
//   - /moodcheck, /translate: AI helper commands.
//
// Interactions are received either over the Discord gateway or via the
// signed webhook endpoint, depending on configuration.
package kaeru
