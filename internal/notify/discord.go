package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// DiscordSession is the part of *discordgo.Session the notifier uses.
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SessionFactory creates a DiscordSession (allows mocking).
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Discord posts alerts as embeds to an ops channel.
type Discord struct {
	session   DiscordSession
	channelID string
	now       func() time.Time
}

func NewDiscord(token, channelID string) (*Discord, error) {
	return NewDiscordWithFactory(token, channelID, defaultSessionFactory)
}

func NewDiscordWithFactory(token, channelID string, factory SessionFactory) (*Discord, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fault.Configuration("discord", "token is required")
	}
	if strings.TrimSpace(channelID) == "" {
		return nil, fault.Configuration("discord", "channel id is required")
	}
	s, err := factory(token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: s, channelID: channelID, now: time.Now}, nil
}

var severityColors = map[Severity]int{
	SeverityInfo:     0x3498db,
	SeverityWarning:  0xf1c40f,
	SeverityCritical: 0xe74c3c,
}

func (d *Discord) Alert(ctx context.Context, severity Severity, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(message) > 4000 {
		message = message[:3997] + "..."
	}
	embed := &discordgo.MessageEmbed{
		Title:       "rankpilot " + string(severity),
		Description: message,
		Color:       severityColors[severity],
		Footer: &discordgo.MessageEmbedFooter{
			Text: d.now().Format("Jan 02, 2006 15:04 MST"),
		},
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		return fault.Transient("discord send", err)
	}
	return nil
}
