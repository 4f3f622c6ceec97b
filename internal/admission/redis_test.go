package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisCounterIncrement(t *testing.T) {
	client, mock := redismock.NewClientMock()
	counter, err := NewRedisCounter(client)
	if err != nil {
		t.Fatalf("NewRedisCounter: %v", err)
	}

	mock.ExpectTxPipeline()
	mock.ExpectIncr("aegis:rl:login:ip=1.2.3.4:7").SetVal(3)
	mock.ExpectPExpire("aegis:rl:login:ip=1.2.3.4:7", 61*time.Second).SetVal(true)
	mock.ExpectTxPipelineExec()

	n, err := counter.Increment(context.Background(), "aegis:rl:login:ip=1.2.3.4:7", 61*time.Second)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedisCounterError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	counter, _ := NewRedisCounter(client)

	mock.ExpectTxPipeline()
	mock.ExpectIncr("k").SetErr(errors.New("connection refused"))
	mock.ExpectPExpire("k", time.Second).SetVal(true)
	mock.ExpectTxPipelineExec()

	if _, err := counter.Increment(context.Background(), "k", time.Second); err == nil {
		t.Fatal("expected redis error to propagate")
	}
}

func TestRedisCounterRequiresClient(t *testing.T) {
	if _, err := NewRedisCounter(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
