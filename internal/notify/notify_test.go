package notify

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/govpower/internal/models"
)

type fakeSender struct {
	sent     []tgbotapi.MessageConfig
	failures int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Gini: 0.466", "Gini: 0\\.466"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := escapeMarkdownV2(tt.input); got != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	if _, err := NewClient("", "not-a-number", 3, time.Second); err == nil {
		t.Error("expected error for invalid chat ID, got nil")
	}
}

func testAlert() ConcentrationAlert {
	return ConcentrationAlert{
		Metrics: models.ConcentrationMetrics{
			HolderCount: 3, Gini: 0.4667, HHI: 0.66, Nakamoto: 1, CR1: 80, CR10: 100,
			EffectiveHolders: 1.515, Risk: models.RiskCritical,
		},
		Previous:     models.RiskHigh,
		BlockNumber:  19_000_000,
		SnapshotTime: time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
		TopHolders: []models.HolderEntry{
			{Address: common.HexToAddress("0xc0"), Power: big.NewInt(800), Rank: 1, Percentage: 80},
		},
	}
}

func TestFormatConcentration(t *testing.T) {
	msg := formatConcentration(testAlert())

	for _, want := range []string{
		"🔴 *Voting power concentration: CRITICAL*",
		"Risk changed from high",
		"Block 19000000, 2026\\-05\\-01 08:30:00",
		"Gini: *0\\.467*",
		"Top 1: *80\\.00%*",
		"1\\. `" + common.HexToAddress("0xc0").Hex() + "` 80\\.00%",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSendConcentration_Retries(t *testing.T) {
	fs := &fakeSender{failures: 2}
	c := newClient(fs, 42, 3, time.Millisecond)

	if err := c.SendConcentration(testAlert()); err != nil {
		t.Fatalf("SendConcentration: %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fs.sent))
	}
	if fs.sent[0].ParseMode != "MarkdownV2" || fs.sent[0].ChatID != 42 {
		t.Errorf("unexpected message config %+v", fs.sent[0])
	}
}

func TestSendConcentration_GivesUp(t *testing.T) {
	fs := &fakeSender{failures: 5}
	c := newClient(fs, 42, 2, time.Millisecond)

	if err := c.SendConcentration(testAlert()); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestHandleCommand(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 42, 1, time.Millisecond)

	c.handleCommand(7, "status", func() string { return "3 holders, risk critical" })
	c.handleCommand(7, "ping", nil)
	c.handleCommand(7, "unknown", nil)

	if len(fs.sent) != 2 {
		t.Fatalf("sent %d replies, want 2", len(fs.sent))
	}
	if fs.sent[0].Text != "3 holders, risk critical" || fs.sent[0].ChatID != 7 {
		t.Errorf("status reply = %+v", fs.sent[0])
	}
	if fs.sent[1].Text != "Pong" {
		t.Errorf("ping reply = %q", fs.sent[1].Text)
	}
}

func TestThrottle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := NewThrottle(models.RiskMedium, time.Hour)
	th.now = func() time.Time { return now }

	steps := []struct {
		name    string
		advance time.Duration
		level   models.RiskLevel
		want    bool
	}{
		{"below minimum", 0, models.RiskLow, false},
		{"first alert", 0, models.RiskHigh, true},
		{"same level in cooldown", 10 * time.Minute, models.RiskHigh, false},
		{"lower level in cooldown", 0, models.RiskMedium, false},
		{"escalation in cooldown", 0, models.RiskCritical, true},
		{"same level after cooldown", 2 * time.Hour, models.RiskCritical, true},
	}
	for _, st := range steps {
		now = now.Add(st.advance)
		got := th.ShouldSend(st.level)
		if got != st.want {
			t.Errorf("%s: ShouldSend(%s) = %v, want %v", st.name, st.level, got, st.want)
		}
		if got {
			th.RecordSent(st.level)
		}
	}
	if th.LastLevel() != models.RiskCritical {
		t.Errorf("LastLevel() = %s, want critical", th.LastLevel())
	}
}
