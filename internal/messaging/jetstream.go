package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	changesStream = "AGENDA_CHANGES"

	// ChangeSubjects matches every agenda and principal change subject.
	ChangeSubjects = "app.event.>"

	// Notices are invalidation hints; late joiners reload anyway.
	changesMaxAge = 10 * time.Minute
)

// EnsureStreams creates (or validates) the change stream over app.event.>.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(changesStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      changesStream,
			Subjects:  []string{ChangeSubjects},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    changesMaxAge,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
