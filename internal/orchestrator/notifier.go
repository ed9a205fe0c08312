package orchestrator

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const alertColor = 0xFF9900

// embedSender abstracts the discordgo.Session method used by the notifier,
// enabling mock-based testing without real Discord API calls.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts operational alerts to a Discord channel: machines
// dropping offline, maintenance diversions, emergency stops.
type DiscordNotifier struct {
	session   embedSender
	channelID string
	logger    *zap.Logger
}

func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		session:   dg,
		channelID: channelID,
		logger:    logger,
	}, nil
}

// NewDiscordNotifierWithSession injects the session, for testing.
func NewDiscordNotifierWithSession(session embedSender, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{session: session, channelID: channelID, logger: logger}
}

func (n *DiscordNotifier) Alert(ctx context.Context, title, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := n.session.ChannelMessageSendEmbed(n.channelID, &discordgo.MessageEmbed{
		Title:       title,
		Description: message,
		Color:       alertColor,
	})
	if err != nil {
		return fmt.Errorf("send discord alert: %w", err)
	}

	n.logger.Debug("alert sent", zap.String("title", title))
	return nil
}
