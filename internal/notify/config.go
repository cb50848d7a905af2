package notify

import (
	"log"

	"github.com/zulandar/signalbox/internal/config"
)

// FromConfig builds the sink fan-out from the notify section. Sinks with no
// token configured are skipped; a misconfigured sink is logged and skipped
// rather than failing startup.
func FromConfig(cfg config.NotifyConfig) *Multi {
	var sinks []Notifier
	if cfg.Slack.BotToken != "" {
		s, err := NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel)
		if err != nil {
			log.Printf("notify: slack sink disabled: %v", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Discord.BotToken != "" {
		d, err := NewDiscord(cfg.Discord.BotToken, cfg.Discord.Channel)
		if err != nil {
			log.Printf("notify: discord sink disabled: %v", err)
		} else {
			sinks = append(sinks, d)
		}
	}
	return NewMulti(sinks...)
}
