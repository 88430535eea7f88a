// Package notifier delivers normalized tweets to Telegram chats.
//
// Deliver never blocks the stream that produced the message. Messages are
// queued on a shard chosen by chat id, so one chat's messages keep their
// order while different chats are sent in parallel. A shared token bucket
// bounds the overall send rate, failed sends are retried with jittered
// exponential backoff, and a chat|tweet key suppresses duplicates for the
// dedup window (optionally persisted so restarts do not resend).
//
// A chat that rejects the bot for good (blocked, kicked, deleted) is
// reported through the ChatGone hook and receives nothing further.
package notifier
