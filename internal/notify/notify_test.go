package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

type mockBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sent = append(m.sent, c)
	return tgbotapi.Message{}, m.err
}

func (m *mockBot) GetSelf() tgbotapi.User { return tgbotapi.User{UserName: "rankpilot_bot"} }

func TestTelegram_Alert(t *testing.T) {
	bot := &mockBot{}
	tg, err := NewTelegramWithFactory("token", "12345", func(token, endpoint string, _ *http.Client) (TelegramBot, error) {
		if token != "token" {
			t.Errorf("token = %q", token)
		}
		return bot, nil
	})
	if err != nil {
		t.Fatalf("NewTelegramWithFactory error: %v", err)
	}

	if err := tg.Alert(context.Background(), SeverityCritical, "ranking drop"); err != nil {
		t.Fatalf("Alert error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T", bot.sent[0])
	}
	if msg.ChatID != 12345 || msg.Text != "[CRITICAL] ranking drop" {
		t.Errorf("unexpected message: %+v", msg)
	}

	bot.err = errors.New("timeout")
	if err := tg.Alert(context.Background(), SeverityWarning, "x"); !fault.IsTransient(err) {
		t.Errorf("want transient error, got %v", err)
	}
}

func TestTelegram_Config(t *testing.T) {
	factory := func(string, string, *http.Client) (TelegramBot, error) { return &mockBot{}, nil }
	if _, err := NewTelegramWithFactory("", "1", factory); !fault.IsConfiguration(err) {
		t.Errorf("missing token: %v", err)
	}
	if _, err := NewTelegramWithFactory("t", "general", factory); !fault.IsConfiguration(err) {
		t.Errorf("bad chat id: %v", err)
	}
}

type mockSession struct {
	channel string
	embeds  []*discordgo.MessageEmbed
	err     error
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.channel = channelID
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{}, m.err
}

func TestDiscord_Alert(t *testing.T) {
	sess := &mockSession{}
	d, err := NewDiscordWithFactory("token", "ops", func(token string) (DiscordSession, error) { return sess, nil })
	if err != nil {
		t.Fatalf("NewDiscordWithFactory error: %v", err)
	}

	long := strings.Repeat("a", 5000)
	if err := d.Alert(context.Background(), SeverityWarning, long); err != nil {
		t.Fatalf("Alert error: %v", err)
	}
	if sess.channel != "ops" || len(sess.embeds) != 1 {
		t.Fatalf("channel=%q embeds=%d", sess.channel, len(sess.embeds))
	}
	e := sess.embeds[0]
	if e.Color != severityColors[SeverityWarning] || len(e.Description) != 4000 {
		t.Errorf("embed color=%x len=%d", e.Color, len(e.Description))
	}

	if _, err := NewDiscordWithFactory("token", "", nil); !fault.IsConfiguration(err) {
		t.Errorf("missing channel: %v", err)
	}
}

type failing struct{}

func (failing) Alert(context.Context, Severity, string) error { return errors.New("down") }

func TestMulti_DeliversToAll(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	err := Multi{a, failing{}, nil, b}.Alert(context.Background(), SeverityInfo, "hello")
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("want joined error, got %v", err)
	}
	if len(a.Alerts()) != 1 || len(b.Alerts()) != 1 {
		t.Errorf("alerts a=%d b=%d", len(a.Alerts()), len(b.Alerts()))
	}
}

func TestFilter(t *testing.T) {
	r := NewRecorder(0)
	f := Filter{Min: SeverityWarning, Next: r}
	_ = f.Alert(context.Background(), SeverityInfo, "quiet")
	_ = f.Alert(context.Background(), SeverityWarning, "loud")
	_ = f.Alert(context.Background(), SeverityCritical, "louder")
	if got := len(r.Alerts()); got != 2 {
		t.Errorf("alerts = %d, want 2", got)
	}
	if r.Count(SeverityCritical) != 1 {
		t.Errorf("critical = %d", r.Count(SeverityCritical))
	}
}

func TestRecorder_Bounded(t *testing.T) {
	r := NewRecorder(2)
	for _, m := range []string{"a", "b", "c"} {
		_ = r.Alert(context.Background(), SeverityInfo, m)
	}
	got := r.Alerts()
	if len(got) != 2 || got[0].Message != "b" || got[1].Message != "c" {
		t.Errorf("alerts = %+v", got)
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{"CRITICAL": SeverityCritical, " warning ": SeverityWarning, "": SeverityInfo, "loud": SeverityInfo}
	for in, want := range cases {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}
