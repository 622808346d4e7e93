// Package chat is the IRC side of the bridge: one Twitch chat session over IRC.
//
// Client keeps the session alive (reconnecting with exponential backoff),
// translates inbound traffic into Events for the bridge loop and exposes the two
// send primitives the bridge needs: Say into a channel and Whisper to a single
// user. Say goes over IRC. Whisper goes through the Helix whispers endpoint with
// the bot's user token, because Twitch ignores /w over IRC.
//
// ResolveIdentity answers "which account is this nick logged in as" with a
// Helix lookup. On Twitch a chatter's nick is its login, so every nick Helix
// knows counts as authenticated; there is no WHOIS-style account check.
//
// Sends issued while the session is down, and whispers Helix refuses, are
// dropped and counted; the bridge never blocks on the network.
package chat
