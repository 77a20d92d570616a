package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"
)

func isScript(cmd []string) bool {
	return len(cmd) > 0 && (cmd[0] == "EVALSHA" || cmd[0] == "EVAL")
}

func TestRedisLeaderStore_Claim(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	now := time.UnixMilli(1700000000000)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			// script, numkeys, key, tabID, now, stale
			n := len(cmd)
			return isScript(cmd) && n >= 6 &&
				cmd[n-4] == "kura:leader" && cmd[n-3] == "tab-1" &&
				cmd[n-2] == "1700000000000" && cmd[n-1] == "10000"
		})).
		Return(mock.Result(mock.RedisInt64(1)))

	s := NewRedisLeaderStore(c, "")
	ok, err := s.Claim(context.Background(), "tab-1", now, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}
}

func TestRedisLeaderStore_ClaimRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(isScript)).
		Return(mock.Result(mock.RedisInt64(0)))

	ok, err := NewRedisLeaderStore(c, "k").Claim(context.Background(), "tab-2", time.Now(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected claim to be rejected")
	}
}

func TestRedisLeaderStore_ClaimError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(isScript)).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	_, err := NewRedisLeaderStore(c, "k").Claim(context.Background(), "tab", time.Now(), time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
}

func TestRedisLeaderStore_Release(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return isScript(cmd) && cmd[len(cmd)-1] == "tab-1"
		})).
		Return(mock.Result(mock.RedisInt64(1)))

	ok, err := NewRedisLeaderStore(c, "").Release(context.Background(), "tab-1")
	if err != nil || !ok {
		t.Fatalf("Release() = %v, %v", ok, err)
	}
}

func TestRedisLeaderStore_Current(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("GET", "kura:leader")).
		Return(mock.Result(mock.RedisString("tab|with|pipes|1700000000000")))

	rec, ok, err := NewRedisLeaderStore(c, "").Current(context.Background())
	if err != nil || !ok {
		t.Fatalf("Current() = %v, %v", ok, err)
	}
	if rec.TabID != "tab|with|pipes" {
		t.Errorf("TabID = %q", rec.TabID)
	}
	if rec.Heartbeat.UnixMilli() != 1700000000000 {
		t.Errorf("Heartbeat = %v", rec.Heartbeat)
	}
}

func TestRedisLeaderStore_CurrentMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("GET", "kura:leader")).
		Return(mock.Result(mock.RedisNil()))

	_, ok, err := NewRedisLeaderStore(c, "").Current(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no record")
	}
}

func TestParseLeaderValue(t *testing.T) {
	for _, bad := range []string{"", "nopipe", "|123", "tab|notanumber"} {
		if _, err := parseLeaderValue(bad); err == nil {
			t.Errorf("parseLeaderValue(%q) expected error", bad)
		}
	}
}

func TestRedisBus_Publish(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			if len(cmd) != 3 || cmd[0] != "PUBLISH" || cmd[1] != "kura:sync" {
				return false
			}
			m, err := DecodeMessage([]byte(cmd[2]))
			return err == nil && m.Type == DocumentAdded && m.TabID == "a"
		})).
		Return(mock.Result(mock.RedisInt64(1)))

	bus := NewRedisBus(c, "", nil)
	err := bus.Publish(context.Background(), Message{Type: DocumentAdded, TabID: "a", Timestamp: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(context.Background(), Message{Type: DocumentAdded, TabID: "a"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestRedisBus_Subscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	payload, _ := EncodeMessage(Message{Type: IndexUpdated, TabID: "other", Timestamp: 3, Collection: "docs"})
	c.EXPECT().
		Receive(gomock.Any(), mock.Match("SUBSCRIBE", "kura:sync"), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ rueidis.Completed, fn func(msg rueidis.PubSubMessage)) error {
			fn(rueidis.PubSubMessage{Channel: "kura:sync", Message: "garbage"})
			fn(rueidis.PubSubMessage{Channel: "kura:sync", Message: string(payload)})
			<-ctx.Done()
			return ctx.Err()
		})

	bus := NewRedisBus(c, "", nil)
	got := make(chan Message, 1)
	cancel, err := bus.Subscribe(func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()

	select {
	case m := <-got:
		if m.Type != IndexUpdated || m.Collection != "docs" {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	_ = bus.Close()
}
