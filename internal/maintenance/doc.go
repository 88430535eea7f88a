// Package maintenance runs the periodic housekeeping tick: it retires chats
// flagged for deletion and heals the stream registry against stored
// subscriptions when a change notification was missed.
package maintenance
