package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/watcher"
)

func newPipeline(t *testing.T, gw gateway.Gateway) (*Pipeline, *store.InMemoryStore, *directory.MemoryDirectory) {
	t.Helper()
	st := store.NewInMemoryStore()
	dir := directory.NewMemoryDirectory()
	dir.AddProfile(models.Profile{ID: "u1", FullName: "Ana Souza", Phone: "5511987654321"})
	dir.AddProfile(models.Profile{ID: "u2", FullName: "Caio Sem Telefone"})
	dir.AddProfile(models.Profile{ID: "tech", FullName: "Bruno Lima", Phone: "5511912345678"})
	p := NewPipeline(watcher.New(dir), NewComposer(nil), NewDispatcher(st, gw), 2)
	return p, st, dir
}

func ticketInsert(record string) models.RawChange {
	return models.RawChange{Type: "INSERT", Table: "tickets", Schema: "public", Record: []byte(record)}
}

func TestPipelineTicketInsertIsSent(t *testing.T) {
	p, st, _ := newPipeline(t, gateway.NewMockGateway())

	res, err := p.HandleChange(context.Background(), ticketInsert(
		`{"id":"t1","title":"Tela","status":"aberto","priority":"media","requester_id":"u1","created_at":"2024-05-10T12:30:00Z"}`))
	if err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if res.Action != models.ActionCreated || res.Intents != 1 || res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	recs, _ := st.ListNotifications(context.Background(), models.NotificationFilter{TicketID: "t1"})
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].Status != models.NotificationStatusSent || recs[0].PhoneNumber != "5511987654321" || recs[0].GatewayMessageID == "" {
		t.Errorf("unexpected record %+v", recs[0])
	}
}

func TestPipelineRequesterWithoutPhone(t *testing.T) {
	p, st, _ := newPipeline(t, gateway.NewMockGateway())

	res, err := p.HandleChange(context.Background(), ticketInsert(`{"id":"t2","title":"Mouse","status":"aberto","requester_id":"u2"}`))
	if err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if res.Intents != 0 || res.Sent != 0 {
		t.Fatalf("expected no intents, got %+v", res)
	}
	if recs, _ := st.ListNotifications(context.Background(), models.NotificationFilter{}); len(recs) != 0 {
		t.Errorf("no record should exist, got %d", len(recs))
	}
}

func TestPipelineParallelDispatchAccounting(t *testing.T) {
	gw := gateway.NewMockGateway()
	gw.Err = errors.New("gateway offline")
	p, st, _ := newPipeline(t, gw)

	res, err := p.HandleChange(context.Background(), ticketInsert(
		`{"id":"t3","title":"Rede","status":"aberto","requester_id":"u1","assignee_id":"tech"}`))
	if err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if res.Intents != 2 || res.Failed != 2 || res.Sent != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	failed, _ := st.ListNotifications(context.Background(), models.NotificationFilter{Status: models.NotificationStatusFailed})
	if len(failed) != 2 {
		t.Errorf("every attempt must be recorded, got %d failed records", len(failed))
	}
}

func TestPipelineIgnoresUnwatchedChanges(t *testing.T) {
	p, _, _ := newPipeline(t, gateway.NewMockGateway())
	for _, c := range []models.RawChange{
		{Type: "INSERT", Table: "profiles", Record: []byte(`{"id":"u9"}`)},
		{Type: "DELETE", Table: "tickets", Record: []byte(`{"id":"t1"}`)},
	} {
		res, err := p.HandleChange(context.Background(), c)
		if err != nil || !res.Ignored {
			t.Errorf("%s %s: got %+v, %v", c.Type, c.Table, res, err)
		}
	}

	var verr *models.ValidationError
	if _, err := p.HandleChange(context.Background(), ticketInsert(`not json`)); !errors.As(err, &verr) {
		t.Errorf("malformed record should be a ValidationError, got %v", err)
	}
}

func TestPipelineTicketFromDirectoryHook(t *testing.T) {
	p, st, dir := newPipeline(t, gateway.NewMockGateway())
	done := make(chan *ChangeResult, 1)
	dir.SetChangeHook(func(ctx context.Context, change models.RawChange) {
		res, err := p.HandleChange(ctx, change)
		if err != nil {
			t.Errorf("HandleChange: %v", err)
		}
		done <- res
	})

	if _, err := dir.CreateTicket(context.Background(), &models.Ticket{Title: "Projetor", RequesterID: "u1"}); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	res := <-done
	if res == nil || res.Sent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if recs, _ := st.ListNotifications(context.Background(), models.NotificationFilter{Status: models.NotificationStatusSent}); len(recs) != 1 {
		t.Errorf("expected one sent record, got %d", len(recs))
	}
}

func TestPipelineStatusAndAssigneeChangeNotifiesBoth(t *testing.T) {
	p, st, _ := newPipeline(t, gateway.NewMockGateway())

	res, err := p.HandleChange(context.Background(), models.RawChange{
		Type:      "UPDATE",
		Table:     "tickets",
		Record:    []byte(`{"id":"t4","title":"Impressora","status":"em_andamento","requester_id":"u1","assignee_id":"tech"}`),
		OldRecord: []byte(`{"id":"t4","title":"Impressora","status":"aberto","requester_id":"u1"}`),
	})
	if err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if res.Action != models.ActionStatusChanged || res.Intents != 2 || res.Sent != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	recs, _ := st.ListNotifications(context.Background(), models.NotificationFilter{TicketID: "t4"})
	kinds := map[string]models.TemplateKind{}
	for _, r := range recs {
		kinds[r.PhoneNumber] = r.TemplateKind
	}
	if kinds["5511912345678"] != models.TemplateTicketAssigned {
		t.Errorf("assignee notification = %q, want %q", kinds["5511912345678"], models.TemplateTicketAssigned)
	}
	if kinds["5511987654321"] != models.TemplateTicketStatusChanged {
		t.Errorf("requester notification = %q, want %q", kinds["5511987654321"], models.TemplateTicketStatusChanged)
	}
}
