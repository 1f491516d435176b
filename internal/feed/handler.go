package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/decision"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netrule"
	"github.com/developingchet/authguard/internal/pool"
	"github.com/rs/zerolog"
)

// makeJobHandler returns a JobHandler that applies one feed job to hosts.
// Replays are idempotent: banning a listed host and deleting an unlisted one
// both succeed without retry. Deletions never touch entries the feed did not
// create.
func makeJobHandler(hosts HostRegistry, rec MetricsRecorder, log zerolog.Logger) pool.JobHandler {
	return func(_ context.Context, job pool.Job) error {
		var err error
		switch job.Action {
		case decision.ActionBan:
			_, err = hosts.CreateDisallowedHostFrom(job.Host, netrule.SourceCrowdSec)
			if errors.Is(err, netrule.ErrDuplicateHost) {
				metrics.JobsDropped.WithLabelValues("already_disallowed").Inc()
				log.Debug().Str("host", job.Host).Msg("skipping: already disallowed")
				return nil
			}
		case decision.ActionDelete:
			err = hosts.DeleteDisallowedHostFrom(job.Host, netrule.SourceCrowdSec)
			if errors.Is(err, netrule.ErrNotFound) {
				metrics.JobsDropped.WithLabelValues("not_found").Inc()
				log.Debug().Str("host", job.Host).Msg("skipping: not disallowed")
				return nil
			}
			if errors.Is(err, netrule.ErrHostNotOwned) {
				metrics.JobsDropped.WithLabelValues("not_owned").Inc()
				log.Info().Str("host", job.Host).Msg("keeping disallowed host created by another source")
				return nil
			}
		default:
			metrics.JobsDropped.WithLabelValues("unknown_action").Inc()
			log.Warn().Str("action", job.Action).Str("host", job.Host).Msg("dropping job with unknown action")
			return nil
		}

		if errors.Is(err, apperr.ErrValidation) {
			// a retry cannot fix a malformed address
			metrics.JobsDropped.WithLabelValues("invalid").Inc()
			log.Warn().Err(err).Str("host", job.Host).Msg("dropping invalid job")
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", job.Action, job.Host, err)
		}

		if rec != nil {
			if job.Action == decision.ActionBan {
				rec.RecordBan(job.Origin)
			} else {
				rec.RecordDeletion()
			}
		}
		log.Info().Str("action", job.Action).Str("host", job.Host).
			Str("origin", job.Origin).Str("scenario", job.Scenario).Msg("job applied")
		return nil
	}
}
