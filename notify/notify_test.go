package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of pahomqtt.Client the notifier uses.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	connected    bool
	publishErr   error
	hang         bool
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newFakeToken(c.publishErr, !c.hang)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func testNotice() careAuth.Notice {
	return careAuth.Notice{
		Kind:      careAuth.NoticeInvitation,
		AccountID: "acct-1",
		Email:     "carer@example.com",
		Token:     "invite-token",
	}
}

func TestMQTTNotifierPublishesJSON(t *testing.T) {
	client := &fakeClient{connected: true}
	n := NewMQTTNotifier(client, MQTTConfig{})

	if err := n.Send(context.Background(), testNotice()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.messages))
	}
	msg := client.messages[0]
	if msg.topic != "careauth/notice/invitation" {
		t.Fatalf("topic = %q", msg.topic)
	}
	if msg.qos != 1 {
		t.Fatalf("qos = %d, want 1", msg.qos)
	}
	var got careAuth.Notice
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Email != "carer@example.com" || got.Token != "invite-token" {
		t.Fatalf("unexpected payload %+v", got)
	}

	if err := n.Close(); err != nil || !client.disconnected {
		t.Fatalf("Close() did not disconnect: %v", err)
	}
}

func TestMQTTNotifierCustomPrefix(t *testing.T) {
	n := NewMQTTNotifier(&fakeClient{connected: true}, MQTTConfig{TopicPrefix: "site/a/notice"})
	if got := n.Topic(careAuth.NoticeMfaReset); got != "site/a/notice/mfa_reset" {
		t.Fatalf("Topic() = %q", got)
	}
}

func TestMQTTNotifierErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid notice", func(t *testing.T) {
		n := NewMQTTNotifier(&fakeClient{connected: true}, MQTTConfig{})
		if err := n.Send(ctx, careAuth.Notice{Email: "x@example.com"}); !errors.Is(err, ErrInvalidNotice) {
			t.Fatalf("expected ErrInvalidNotice, got %v", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		n := NewMQTTNotifier(&fakeClient{}, MQTTConfig{})
		if err := n.Send(ctx, testNotice()); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if err := n.HealthCheck(ctx); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected unhealthy, got %v", err)
		}
	})

	t.Run("broker rejects", func(t *testing.T) {
		n := NewMQTTNotifier(&fakeClient{connected: true, publishErr: errors.New("not authorized")}, MQTTConfig{})
		err := n.Send(ctx, testNotice())
		if !errors.Is(err, ErrPublishFailed) || !strings.Contains(err.Error(), "not authorized") {
			t.Fatalf("expected wrapped publish error, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		n := NewMQTTNotifier(&fakeClient{connected: true, hang: true}, MQTTConfig{PublishTimeout: 20 * time.Millisecond})
		if err := n.Send(ctx, testNotice()); !errors.Is(err, ErrPublishFailed) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		n := NewMQTTNotifier(&fakeClient{connected: true, hang: true}, MQTTConfig{PublishTimeout: time.Minute})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := n.Send(cctx, testNotice()); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("dial without broker", func(t *testing.T) {
		if _, err := DialMQTT(MQTTConfig{}); !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("expected ErrConnectionFailed, got %v", err)
		}
	})
}

func TestLogNotifierHidesTokenBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := n.Send(context.Background(), testNotice()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "carer@example.com") {
		t.Fatalf("expected recipient in log, got %s", out)
	}
	if strings.Contains(out, "invite-token") {
		t.Fatalf("token leaked at INFO: %s", out)
	}

	buf.Reset()
	n = NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	_ = n.Send(context.Background(), testNotice())
	if !strings.Contains(buf.String(), "invite-token") {
		t.Fatalf("expected token at DEBUG, got %s", buf.String())
	}
}

type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyNotifier) Send(context.Context, careAuth.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("relay unavailable")
	}
	return nil
}

func TestRetrying(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("recovers within budget", func(t *testing.T) {
		inner := &flakyNotifier{failures: 2}
		r := NewRetrying(inner, 3, time.Millisecond, logger)
		if err := r.Send(ctx, testNotice()); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if inner.calls != 3 {
			t.Fatalf("calls = %d, want 3", inner.calls)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		inner := &flakyNotifier{failures: 10}
		r := NewRetrying(inner, 2, 0, logger)
		if err := r.Send(ctx, testNotice()); err == nil {
			t.Fatal("expected error after exhausting attempts")
		}
		if inner.calls != 2 {
			t.Fatalf("calls = %d, want 2", inner.calls)
		}
	})

	t.Run("invalid notice is not retried", func(t *testing.T) {
		client := &fakeClient{connected: true}
		r := NewRetrying(NewMQTTNotifier(client, MQTTConfig{}), 5, 0, logger)
		if err := r.Send(ctx, careAuth.Notice{}); !errors.Is(err, ErrInvalidNotice) {
			t.Fatalf("expected ErrInvalidNotice, got %v", err)
		}
		if len(client.messages) != 0 {
			t.Fatal("invalid notice must not be published")
		}
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		inner := &flakyNotifier{failures: 10}
		r := NewRetrying(inner, 5, time.Hour, logger)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if err := r.Send(cctx, testNotice()); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline, got %v", err)
		}
		if inner.calls != 1 {
			t.Fatalf("calls = %d, want 1", inner.calls)
		}
	})
}
