package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Severity colors for Discord embeds.
const (
	colorInfo     = 0x3498db
	colorWarning  = 0xf1c40f
	colorCritical = 0xe74c3c
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to a Discord channel as embeds over the REST API.
// No gateway connection is opened; send-only needs none.
type Discord struct {
	sess    discordSession
	channel string
}

// NewDiscord builds a Discord sink from a bot token and channel id.
func NewDiscord(botToken, channel string) (*Discord, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: discord bot token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{sess: sess, channel: channel}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, a Alert) error {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Detail,
		Color:       severityColor(a.Severity),
		Timestamp:   a.At.Format("2006-01-02T15:04:05Z07:00"),
	}
	_, err := d.sess.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

func severityColor(severity string) int {
	switch severity {
	case SeverityCritical:
		return colorCritical
	case SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}
