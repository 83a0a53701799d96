package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/tracking"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type chanNotifier chan Event

func (c chanNotifier) Notify(_ context.Context, ev Event) error {
	c <- ev
	return nil
}

type failNotifier struct{}

func (failNotifier) Notify(context.Context, Event) error { return errors.New("broker down") }

func TestFireDoesNotBlock(t *testing.T) {
	c := make(chanNotifier, 1)
	Fire(discard, c, Event{Type: EventSOS, RideID: "r1"})
	select {
	case ev := <-c:
		if ev.Type != EventSOS {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	Fire(discard, nil, Event{})
}

func TestMultiJoinsErrors(t *testing.T) {
	c := make(chanNotifier, 1)
	err := Multi{c, failNotifier{}}.Notify(context.Background(), Event{Type: EventRideCompleted})
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(c) != 1 {
		t.Fatal("healthy notifier should still receive the event")
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPNotifierRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	n := &AMQPNotifier{ch: ch, exchange: "ride_topic"}
	if err := n.Notify(context.Background(), Event{Type: EventBookingConfirmed, RideID: "r1", DriverID: "d1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ch.exchange != "ride_topic" || ch.key != "ride.booking_confirmed" {
		t.Fatalf("unexpected routing %s %s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing %+v", ch.msg)
	}
	var ev Event
	if err := json.Unmarshal(ch.msg.Body, &ev); err != nil || ev.DriverID != "d1" {
		t.Fatalf("bad body %s: %v", ch.msg.Body, err)
	}
}

type fakeSender struct {
	msg *messaging.Message
	err error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msg = m
	return "projects/x/messages/1", f.err
}

func TestFCMNotifierTargetsRideTopic(t *testing.T) {
	s := &fakeSender{}
	n := &FCMNotifier{client: s}
	pos := models.Coordinate{Lat: 6.5, Lon: 3.3}
	if err := n.Notify(context.Background(), Event{Type: EventSOS, RideID: "r1", Position: &pos}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if s.msg.Topic != "ride-r1" || s.msg.Data["type"] != "sos" || s.msg.Data["lat"] == "" {
		t.Fatalf("unexpected message %+v", s.msg)
	}
	if s.msg.Android.Priority != "high" {
		t.Fatalf("sos should be high priority")
	}
}

func TestFCMNotifierWrapsFailure(t *testing.T) {
	n := &FCMNotifier{client: &fakeSender{err: errors.New("quota")}}
	if err := n.Notify(context.Background(), Event{Type: EventRideCompleted, RideID: "r1"}); !errors.Is(err, models.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{Type: EventSOS, RideID: "r1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ev := <-got; ev.RideID != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{}); !errors.Is(err, models.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestWSRegistryPublishesViews(t *testing.T) {
	reg := NewWSRegistry(discard)
	upgrader := websocket.Upgrader{}
	added := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("r1", conn)
		close(added)
	}))
	defer srv.Close()

	if err := reg.Send("r1", "x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-added

	reg.Publish(tracking.View{RideID: "r1", Seq: 7, Status: models.StatusRequested})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v tracking.View
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	if v.Seq != 7 || v.RideID != "r1" {
		t.Fatalf("unexpected view %+v", v)
	}
}
