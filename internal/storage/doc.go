// Package storage persists chats, their Twitter credentials and
// subscriptions, and the delivery dedup window.
//
// Two drivers exist: "sqlite" (modernc.org/sqlite, pure Go) and "memory"
// for tests and dry runs. Both satisfy Store.
package storage
