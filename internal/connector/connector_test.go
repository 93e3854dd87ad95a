package connector

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestShardInstrumentsSplitsAtLimit(t *testing.T) {
	instruments := make([]string, 1201)
	for i := range instruments {
		instruments[i] = "x"
	}
	shards := ShardInstruments(instruments)
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards for 1201 instruments, got %d", len(shards))
	}
	if len(shards[0]) != MaxInstrumentsPerShard || len(shards[1]) != MaxInstrumentsPerShard {
		t.Fatalf("expected full shards of %d, got %d and %d", MaxInstrumentsPerShard, len(shards[0]), len(shards[1]))
	}
	if len(shards[2]) != 201 {
		t.Fatalf("expected remainder shard of 201, got %d", len(shards[2]))
	}
}

func TestShardInstrumentsEmpty(t *testing.T) {
	if shards := ShardInstruments(nil); shards != nil {
		t.Fatalf("expected nil for empty input, got %v", shards)
	}
}

func TestShardDelayFirstShardIsImmediate(t *testing.T) {
	if d := ShardDelay(0, time.Second); d != 0 {
		t.Fatalf("expected shard 0 to have no delay, got %v", d)
	}
}

func TestShardDelayScalesWithShardID(t *testing.T) {
	d1 := ShardDelay(1, 0)
	d2 := ShardDelay(2, 0)
	if d1 != ShardStaggerBase {
		t.Fatalf("expected shard 1 delay to equal base stagger, got %v", d1)
	}
	if d2 != 2*ShardStaggerBase {
		t.Fatalf("expected shard 2 delay to be double the base stagger, got %v", d2)
	}
}

func TestTouchStampsEpochSeconds(t *testing.T) {
	var handle atomic.Int64
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	Touch(&handle, now)
	if handle.Load() != now.Unix() {
		t.Fatalf("expected %d, got %d", now.Unix(), handle.Load())
	}
}
