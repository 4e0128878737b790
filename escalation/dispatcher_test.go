package escalation

import (
	"context"
	"errors"
	"testing"

	"salesflow/publish"
)

func TestDispatch_ActionSelection(t *testing.T) {
	cases := []struct {
		name     string
		channels []string
		want     ActionKind
	}{
		{"no channels means task", nil, ActionTask},
		{"task channel", []string{"slack", "task"}, ActionTask},
		{"email channel", []string{"email"}, ActionMessage},
		{"sms channel", []string{"push", "sms"}, ActionMessage},
		{"other channels", []string{"slack", "webhook"}, ActionNotification},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := &stubTaskCreator{}
			messages := &stubMessageSender{}
			notifications := &stubNotificationEmitter{}
			d := NewDispatcher(tasks, messages, notifications, nil, nil)

			err := d.Dispatch(context.Background(), Request{
				TenantID: "tenant-1",
				LeadID:   "lead-1",
				Reason:   "response overdue",
				Config:   Config{Levels: []Level{{Name: "Team", Channels: tc.channels}}},
			})
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}

			got := ActionKind("")
			switch {
			case tasks.calls == 1:
				got = ActionTask
			case messages.calls == 1:
				got = ActionMessage
			case notifications.calls == 1:
				got = ActionNotification
			}
			if got != tc.want {
				t.Fatalf("expected action %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDispatch_PriorityFromLevelName(t *testing.T) {
	cases := []struct {
		levelName string
		want      Priority
	}{
		{"Urgent Response Team", PriorityUrgent},
		{"Critical Incident", PriorityUrgent},
		{"Account Manager", PriorityHigh},
		{"Shift Supervisor", PriorityHigh},
		{"Senior Agent", PriorityMedium},
		{"Team Lead", PriorityMedium},
		{"First Responder", PriorityLow},
	}

	for _, tc := range cases {
		tasks := &stubTaskCreator{}
		d := NewDispatcher(tasks, &stubMessageSender{}, &stubNotificationEmitter{}, nil, nil)

		err := d.Dispatch(context.Background(), Request{
			TenantID: "tenant-1",
			LeadID:   "lead-1",
			Reason:   "overdue",
			Config:   Config{Levels: []Level{{Name: tc.levelName}}},
		})
		if err != nil {
			t.Fatalf("%s: dispatch: %v", tc.levelName, err)
		}
		if tasks.last.Priority != tc.want {
			t.Fatalf("%s: expected priority %q, got %q", tc.levelName, tc.want, tasks.last.Priority)
		}
	}
}

func TestDispatch_FirstLevelWins(t *testing.T) {
	messages := &stubMessageSender{}
	d := NewDispatcher(&stubTaskCreator{}, messages, &stubNotificationEmitter{}, nil, nil)

	err := d.Dispatch(context.Background(), Request{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		Reason:   "overdue",
		Config: Config{Levels: []Level{
			{Name: "Account Manager", Channels: []string{"email"}, Routing: map[string]string{"team": "emea"}},
			{Name: "Director", Channels: []string{"task"}},
		}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if messages.calls != 1 {
		t.Fatalf("expected message action from first level, got %d calls", messages.calls)
	}
	if messages.last.Routing["team"] != "emea" {
		t.Fatalf("expected routing hints forwarded, got %+v", messages.last.Routing)
	}
}

func TestDispatch_NoLevels(t *testing.T) {
	d := NewDispatcher(&stubTaskCreator{}, &stubMessageSender{}, &stubNotificationEmitter{}, nil, nil)

	err := d.Dispatch(context.Background(), Request{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		Config:   Config{},
	})
	if !errors.Is(err, ErrNoLevels) {
		t.Fatalf("expected ErrNoLevels, got %v", err)
	}
}

func TestDispatch_AdapterFailureEmitsEvent(t *testing.T) {
	tasks := &stubTaskCreator{err: errors.New("task system down")}
	pub := &recordingPublisher{}
	d := NewDispatcher(tasks, &stubMessageSender{}, &stubNotificationEmitter{}, pub, nil)

	err := d.Dispatch(context.Background(), Request{
		TenantID:      "tenant-1",
		LeadID:        "lead-1",
		Reason:        "overdue",
		CorrelationID: "corr-1",
		Config:        Config{Levels: []Level{{Name: "Team"}}},
	})
	if err == nil {
		t.Fatalf("expected adapter error to propagate")
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.EventType != publish.EventTypeDispatchFailed {
		t.Fatalf("unexpected event type %q", ev.EventType)
	}
	if ev.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id forwarded, got %q", ev.CorrelationID)
	}
	if ev.Payload["error"] != "task system down" {
		t.Fatalf("expected cause in payload, got %v", ev.Payload["error"])
	}

	// A retried dispatch that fails the same way re-emits the same key, so
	// the sink collapses the duplicates.
	if err := d.Dispatch(context.Background(), Request{
		TenantID:      "tenant-1",
		LeadID:        "lead-1",
		Reason:        "overdue",
		CorrelationID: "corr-1",
		Config:        Config{Levels: []Level{{Name: "Team"}}},
	}); err == nil {
		t.Fatalf("expected adapter error to propagate on retry")
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 failure events, got %d", len(pub.events))
	}
	if pub.events[0].IdempotencyKey != pub.events[1].IdempotencyKey {
		t.Fatalf("expected stable failure key, got %q and %q",
			pub.events[0].IdempotencyKey, pub.events[1].IdempotencyKey)
	}
}

func TestEventBridge_StableIdempotencyKeys(t *testing.T) {
	pub := &recordingPublisher{}
	bridge := NewEventBridge(pub, "sla-escalation")

	task := TaskRequest{TenantID: "tenant-1", LeadID: "lead-1", Title: "SLA escalation: overdue", Priority: PriorityHigh}
	if err := bridge.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("first create task: %v", err)
	}
	if err := bridge.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("second create task: %v", err)
	}
	if pub.events[0].IdempotencyKey != pub.events[1].IdempotencyKey {
		t.Fatalf("expected identical keys for identical requests, got %q and %q",
			pub.events[0].IdempotencyKey, pub.events[1].IdempotencyKey)
	}
	if pub.events[0].EventID == pub.events[1].EventID {
		t.Fatalf("expected distinct event ids per publish")
	}

	other := task
	other.LeadID = "lead-2"
	if err := bridge.CreateTask(context.Background(), other); err != nil {
		t.Fatalf("create task other lead: %v", err)
	}
	if pub.events[2].IdempotencyKey == pub.events[0].IdempotencyKey {
		t.Fatalf("expected distinct key for a different lead, got %q", pub.events[2].IdempotencyKey)
	}

	msg := MessageRequest{TenantID: "tenant-1", LeadID: "lead-1", Subject: "SLA escalation: overdue"}
	if err := bridge.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := bridge.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("send message again: %v", err)
	}
	if pub.events[3].IdempotencyKey != pub.events[4].IdempotencyKey {
		t.Fatalf("expected stable message key, got %q and %q",
			pub.events[3].IdempotencyKey, pub.events[4].IdempotencyKey)
	}
	if pub.events[3].IdempotencyKey == pub.events[0].IdempotencyKey {
		t.Fatalf("expected event type to scope the key")
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	if _, err := ParseConfig(nil); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if _, err := ParseConfig([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

type stubTaskCreator struct {
	calls int
	last  TaskRequest
	err   error
}

func (s *stubTaskCreator) CreateTask(_ context.Context, req TaskRequest) error {
	s.calls++
	s.last = req
	return s.err
}

type stubMessageSender struct {
	calls int
	last  MessageRequest
	err   error
}

func (s *stubMessageSender) SendMessage(_ context.Context, req MessageRequest) error {
	s.calls++
	s.last = req
	return s.err
}

type stubNotificationEmitter struct {
	calls int
	last  Notification
	err   error
}

func (s *stubNotificationEmitter) EmitNotification(_ context.Context, n Notification) error {
	s.calls++
	s.last = n
	return s.err
}

type recordingPublisher struct {
	events []publish.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev publish.Event) error {
	p.events = append(p.events, ev)
	return nil
}
