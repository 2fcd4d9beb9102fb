package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

const ticketChange = `{"type":"INSERT","table":"tickets","schema":"public","record":{"id":"t1"}}`

func TestDecode(t *testing.T) {
	change, err := Decode([]byte(ticketChange))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if change.Type != "INSERT" || change.Table != "tickets" || string(change.Record) != `{"id":"t1"}` {
		t.Errorf("unexpected change %+v", change)
	}

	for _, body := range []string{`not json`, `{"type":"INSERT"}`, `{"table":"tickets"}`} {
		var verr *models.ValidationError
		if _, err := Decode([]byte(body)); !errors.As(err, &verr) {
			t.Errorf("Decode(%s): expected ValidationError, got %v", body, err)
		}
	}
}

type fakeAcker struct {
	acks, nacks int
	requeued    bool
}

func (f *fakeAcker) Ack(uint64, bool) error {
	f.acks++
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAcker) Reject(uint64, bool) error { return nil }

func TestHandleDelivery(t *testing.T) {
	transient := errors.New("database unavailable")
	invalid := &models.ValidationError{Field: "record", Reason: "bad"}

	tests := []struct {
		name         string
		body         string
		retries      int32
		handlerErr   error
		republishErr error
		want         deliveryOutcome
		wantAcks     int
		wantNacks    int
		wantRetry    int
	}{
		{name: "success", body: ticketChange, want: outcomeAcked, wantAcks: 1},
		{name: "undecodable", body: `{`, want: outcomeRejected, wantNacks: 1},
		{name: "invalid change", body: ticketChange, handlerErr: invalid, want: outcomeDropped, wantAcks: 1},
		{name: "transient retried", body: ticketChange, handlerErr: transient, want: outcomeRetried, wantAcks: 1, wantRetry: 1},
		{name: "second retry", body: ticketChange, retries: 1, handlerErr: transient, want: outcomeRetried, wantAcks: 1, wantRetry: 2},
		{name: "retries exhausted", body: ticketChange, retries: 3, handlerErr: transient, want: outcomeDropped, wantAcks: 1},
		{name: "republish failed", body: ticketChange, handlerErr: transient, republishErr: errors.New("closed"), want: outcomeRequeued, wantNacks: 1, wantRetry: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewAMQPSource("amqp://localhost", "", "", nil, 3)
			acker := &fakeAcker{}
			d := amqp.Delivery{Acknowledger: acker, Body: []byte(tt.body)}
			if tt.retries > 0 {
				d.Headers = amqp.Table{retryHeader: tt.retries}
			}

			gotRetry := 0
			republish := func(_ context.Context, _ amqp.Delivery, retry int) error {
				gotRetry = retry
				return tt.republishErr
			}
			handler := func(context.Context, models.RawChange) error { return tt.handlerErr }

			if got := src.handleDelivery(context.Background(), d, handler, republish); got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			if acker.acks != tt.wantAcks || acker.nacks != tt.wantNacks {
				t.Errorf("acks=%d nacks=%d, want %d/%d", acker.acks, acker.nacks, tt.wantAcks, tt.wantNacks)
			}
			if gotRetry != tt.wantRetry {
				t.Errorf("republished with retry %d, want %d", gotRetry, tt.wantRetry)
			}
			if tt.want == outcomeRejected && acker.requeued {
				t.Error("undecodable deliveries must not be requeued")
			}
		})
	}
}

func TestRetryHeaders(t *testing.T) {
	orig := amqp.Table{"trace": "abc"}
	out := setRetryCount(orig, 2)
	if retryCount(out) != 2 || out["trace"] != "abc" {
		t.Errorf("unexpected headers %v", out)
	}
	if _, ok := orig[retryHeader]; ok {
		t.Error("original headers were modified")
	}
	if retryCount(nil) != 0 || retryCount(amqp.Table{retryHeader: int64(5)}) != 5 {
		t.Error("retryCount did not read header")
	}
}

func TestNATSOnMessage(t *testing.T) {
	src := NewNATSSource("nats://localhost:4222", "", "")
	if src.subject != DefaultNATSSubject {
		t.Errorf("subject = %q", src.subject)
	}

	var got []models.RawChange
	cb := src.onMessage(context.Background(), func(_ context.Context, c models.RawChange) error {
		got = append(got, c)
		return nil
	})
	cb(&nats.Msg{Subject: DefaultNATSSubject, Data: []byte(ticketChange)})
	cb(&nats.Msg{Subject: DefaultNATSSubject, Data: []byte(`garbage`)})

	if len(got) != 1 || got[0].Table != "tickets" {
		t.Errorf("handled changes = %+v", got)
	}
}

func TestSourcesRequireURL(t *testing.T) {
	handler := func(context.Context, models.RawChange) error { return nil }
	for _, src := range []Source{NewNATSSource("", "", ""), NewAMQPSource("", "", "", nil, 0)} {
		var cerr *models.ConfigurationError
		if err := src.Run(context.Background(), handler); !errors.As(err, &cerr) {
			t.Errorf("%s: expected ConfigurationError, got %v", src.Name(), err)
		}
	}
}
