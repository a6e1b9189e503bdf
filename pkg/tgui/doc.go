// Package tgui provides small Telegram formatting helpers:
//   - HTML escaping and tags for ParseMode="HTML"
//   - Callback data helpers (scope:action:payload)
//   - Rune-safe truncation and fixed-width table cells
package tgui
