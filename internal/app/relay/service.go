// Package relay turns store change notifications into NATS change notices.
package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agendasync/project/internal/contracts"
	"github.com/agendasync/project/internal/platform/metrics"
	"github.com/agendasync/project/internal/sharding"
)

var ErrInvalidNotification = errors.New("invalid store notification")

// ErrUnsupportedTable rejects notifications from tables that carry no agenda data.
var ErrUnsupportedTable = errors.New("unsupported notification table")

// PublishFunc sends payload on subject. The stream drops a second message
// with the same msgID inside its duplicate window.
type PublishFunc func(subject, msgID string, payload []byte) error

type Service struct {
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string

	// Attempts bounds publishes per notice. Retries reuse the notice's
	// EventID, so an attempt that landed but timed out is not stored twice.
	Attempts   int
	RetryDelay time.Duration
}

func NewService(publish PublishFunc) *Service {
	return &Service{
		Publish:    publish,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      func() string { return ulid.Make().String() },
		Attempts:   3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Handle publishes one notice per affected subject: the agenda subject when
// the row belongs to an agenda and the principal subject of the row's author
// or grantee. It returns the number of notices published.
func (s *Service) Handle(payload []byte) (int, error) {
	var n contracts.StoreNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return 0, ErrInvalidNotification
	}
	table := strings.TrimSpace(n.Table)
	switch table {
	case "appointments", "agendas", "share_grants":
	default:
		return 0, ErrUnsupportedTable
	}

	targets := Subjects(n)
	if len(targets) == 0 {
		return 0, nil
	}
	published := 0
	for _, subject := range targets {
		notice := contracts.ChangeNotice{
			EventID:     s.NewID(),
			Table:       table,
			Op:          strings.ToLower(n.Op),
			AgendaID:    n.AgendaID,
			PrincipalID: n.PrincipalID,
			OccurredAt:  s.Now(),
			ShardID:     sharding.ShardFromSubject("", subject),
		}
		body, err := json.Marshal(notice)
		if err != nil {
			return published, err
		}
		if err := s.publish(subject, notice.EventID, body); err != nil {
			return published, err
		}
		published++
	}
	metrics.RelayNotices.WithLabelValues(table).Add(float64(published))
	return published, nil
}

func (s *Service) publish(subject, msgID string, body []byte) error {
	var err error
	for i := 0; i < max(s.Attempts, 1); i++ {
		if i > 0 && s.RetryDelay > 0 {
			time.Sleep(s.RetryDelay)
		}
		if err = s.Publish(subject, msgID, body); err == nil {
			return nil
		}
	}
	return err
}

// Subjects lists the change subjects a notification fans out to.
func Subjects(n contracts.StoreNotification) []string {
	out := make([]string, 0, 2)
	if id := strings.TrimSpace(n.AgendaID); id != "" {
		out = append(out, sharding.AgendaSubject(id))
	}
	if id := strings.TrimSpace(n.PrincipalID); id != "" {
		out = append(out, sharding.PrincipalSubject(id))
	}
	return out
}
