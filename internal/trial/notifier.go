package trial

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogNotifier writes notification requests to the log instead of
// sending mail. Used when no email collaborator is configured so
// lifecycle transitions never block on delivery.
type LogNotifier struct{}

// Send implements Notifier.
func (LogNotifier) Send(_ context.Context, address, templateID string, params map[string]string) error {
	log.Info().
		Str("to", address).
		Str("template", templateID).
		Interface("params", params).
		Msg("notification request")
	return nil
}
