package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agendasync/project/internal/contracts"
	"github.com/agendasync/project/internal/sharding"
)

type published struct {
	subject string
	msgID   string
	notice  contracts.ChangeNotice
}

func newRecordingService(t *testing.T) (*Service, *[]published) {
	t.Helper()
	var got []published
	svc := NewService(func(subject, msgID string, payload []byte) error {
		var n contracts.ChangeNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			t.Fatalf("notice payload invalid JSON: %v", err)
		}
		got = append(got, published{subject: subject, msgID: msgID, notice: n})
		return nil
	})
	svc.NewID = func() string { return "evt-1" }
	svc.Now = func() time.Time { return time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC) }
	return svc, &got
}

func TestHandle_FansOutToAgendaAndPrincipal(t *testing.T) {
	svc, got := newRecordingService(t)

	n, err := svc.Handle([]byte(`{"table":"appointments","op":"INSERT","agenda_id":"user-1","principal_id":"user-2"}`))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if n != 2 || len(*got) != 2 {
		t.Fatalf("expected two notices, got %d", n)
	}
	if (*got)[0].subject != "app.event.532.agenda.user-1" || (*got)[1].subject != "app.event.942.principal.user-2" {
		t.Fatalf("unexpected subjects: %+v", *got)
	}
	first := (*got)[0].notice
	if (*got)[0].msgID != first.EventID {
		t.Fatalf("message id %q does not match event id %q", (*got)[0].msgID, first.EventID)
	}
	if first.EventID != "evt-1" || first.Op != "insert" || first.Table != "appointments" || first.ShardID != 532 {
		t.Fatalf("unexpected notice: %+v", first)
	}
}

func TestHandle_PersonalAppointmentGoesToAuthorOnly(t *testing.T) {
	svc, got := newRecordingService(t)
	if _, err := svc.Handle([]byte(`{"table":"appointments","op":"delete","agenda_id":"","principal_id":"user-2"}`)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(*got) != 1 || (*got)[0].subject != sharding.PrincipalSubject("user-2") {
		t.Fatalf("unexpected notices: %+v", *got)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	svc, _ := newRecordingService(t)
	if _, err := svc.Handle([]byte("{invalid json")); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected ErrInvalidNotification, got %v", err)
	}
}

func TestHandle_UnsupportedTable(t *testing.T) {
	svc, _ := newRecordingService(t)
	if _, err := svc.Handle([]byte(`{"table":"principals","op":"update"}`)); !errors.Is(err, ErrUnsupportedTable) {
		t.Fatalf("expected ErrUnsupportedTable, got %v", err)
	}
}

func TestHandle_PublishFailureStops(t *testing.T) {
	boom := errors.New("nats down")
	calls := 0
	svc := NewService(func(string, string, []byte) error { calls++; return boom })
	svc.RetryDelay = 0
	n, err := svc.Handle([]byte(`{"table":"share_grants","op":"insert","agenda_id":"g","principal_id":"p"}`))
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("expected publish error after 0 notices, got n=%d err=%v", n, err)
	}
	if calls != svc.Attempts {
		t.Fatalf("expected %d attempts, got %d", svc.Attempts, calls)
	}
}

func TestHandle_RetryReusesMessageID(t *testing.T) {
	var ids []string
	svc := NewService(func(_, msgID string, _ []byte) error {
		ids = append(ids, msgID)
		if len(ids) == 1 {
			return errors.New("publish timeout")
		}
		return nil
	})
	svc.RetryDelay = 0
	n, err := svc.Handle([]byte(`{"table":"appointments","op":"update","agenda_id":"","principal_id":"p"}`))
	if err != nil || n != 1 {
		t.Fatalf("expected one notice after a retry, got n=%d err=%v", n, err)
	}
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("retry must reuse the message id, got %v", ids)
	}
}
