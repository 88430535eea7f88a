// Package tgui holds small helpers for Telegram message text: HTML
// escaping for ParseMode="HTML" and rune-safe truncation.
package tgui
