package telegram

import (
	"context"
	"log/slog"

	"github.com/mymmrac/telego"
)

// menuCommands lists the slash commands shown in Telegram's command menu.
// They are not intercepted here; the agent loop handles them like any other
// inbound text.
func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "help", Description: "Show available commands"},
		{Command: "status", Description: "Show session status"},
		{Command: "clear", Description: "Clear conversation history"},
		{Command: "stop", Description: "Stop the running task"},
		{Command: "whoami", Description: "Show your identity and linked channels"},
		{Command: "link", Description: "Link this chat to another channel"},
		{Command: "space", Description: "Manage shared spaces"},
		{Command: "about", Description: "Show runtime version and model"},
	}
}

// syncMenuCommands replaces the bot's registered command menu.
func (c *Channel) syncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
	})
}
