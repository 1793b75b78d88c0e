// Package notify tells users about job outcomes and subscription events.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"genengine/internal/domain"
)

// Recipient identifies who gets a notification and how.
type Recipient struct {
	UserID     string
	Email      string
	Locale     string
	WebhookURL string
}

type Notifier interface {
	NotifyCompleted(ctx context.Context, to Recipient, job *domain.Job) error
	NotifyFailed(ctx context.Context, to Recipient, job *domain.Job) error
	NotifySubscriptionExpiring(ctx context.Context, to Recipient, tier domain.Tier, expiry time.Time, daysLeft int) error
}

var supported = []language.Tag{language.English, language.Chinese, language.Indonesian}

var matcher = language.NewMatcher(supported)

// Locale resolves a user locale or Accept-Language style string to one of
// the supported message languages.
func Locale(raw string) language.Tag {
	if raw == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

type message struct {
	completed string
	failed    string
	refunded  string
	expiring  string
}

var messages = map[language.Tag]message{
	language.English: {
		completed: "Your video %s is ready.",
		failed:    "Your video %s could not be generated.",
		refunded:  " %d points were returned to your balance.",
		expiring:  "Your %s subscription expires in %d days.",
	},
	language.Chinese: {
		completed: "您的视频 %s 已生成。",
		failed:    "您的视频 %s 生成失败。",
		refunded:  "%d 积分已退回您的账户。",
		expiring:  "您的 %s 订阅将在 %d 天后到期。",
	},
	language.Indonesian: {
		completed: "Video %s kamu sudah siap.",
		failed:    "Video %s gagal dibuat.",
		refunded:  " %d poin telah dikembalikan ke saldo kamu.",
		expiring:  "Langganan %s kamu berakhir dalam %d hari.",
	},
}

func text(locale string) message {
	return messages[Locale(locale)]
}

func completedText(to Recipient, job *domain.Job) string {
	return fmt.Sprintf(text(to.Locale).completed, job.ID)
}

func failedText(to Recipient, job *domain.Job) string {
	m := text(to.Locale)
	out := fmt.Sprintf(m.failed, job.ID)
	if job.Refunded && job.RefundAmount > 0 {
		out += fmt.Sprintf(m.refunded, job.RefundAmount)
	}
	return out
}

func expiringText(to Recipient, tier domain.Tier, daysLeft int) string {
	return fmt.Sprintf(text(to.Locale).expiring, tier, daysLeft)
}

// LogNotifier writes notifications to the log. It is the default when no
// webhook endpoint is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) NotifyCompleted(_ context.Context, to Recipient, job *domain.Job) error {
	n.logger.Info().Str("user_id", to.UserID).Str("job_id", job.ID).
		Str("result_url", job.ResultURL).Msg(completedText(to, job))
	return nil
}

func (n *LogNotifier) NotifyFailed(_ context.Context, to Recipient, job *domain.Job) error {
	n.logger.Info().Str("user_id", to.UserID).Str("job_id", job.ID).
		Bool("refunded", job.Refunded).Msg(failedText(to, job))
	return nil
}

func (n *LogNotifier) NotifySubscriptionExpiring(_ context.Context, to Recipient, tier domain.Tier, expiry time.Time, daysLeft int) error {
	n.logger.Info().Str("user_id", to.UserID).Time("expiry", expiry).
		Int("days_left", daysLeft).Msg(expiringText(to, tier, daysLeft))
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
