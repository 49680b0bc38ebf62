package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestTTLExpiry_GetFieldsMissesExpired(t *testing.T) {
	rc, mr := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	if err := rc.SetFields(ctx, "ttl-key", map[string]any{"data": "v"}, 2*time.Second); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if ttl := mr.TTL("ttl-key"); ttl != 2*time.Second {
		t.Fatalf("ttl=%v want 2s", ttl)
	}

	got, err := rc.GetFields(ctx, "ttl-key")
	if err != nil || got["data"] != "v" {
		t.Fatalf("pre expiry got=%v err=%v", got, err)
	}

	mr.FastForward(3 * time.Second)

	got2, err := rc.GetFields(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("GetFields: %v", err)
	}
	if len(got2) != 0 {
		t.Fatalf("expected ttl-key to be absent after expiry; got=%v", got2)
	}
}

func TestZeroTTL_KeepsHashWithoutExpiry(t *testing.T) {
	rc, mr := newMini(t)
	if err := rc.SetFields(context.Background(), "forever", map[string]any{"data": "v"}, 0); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if ttl := mr.TTL("forever"); ttl != 0 {
		t.Fatalf("ttl=%v want none", ttl)
	}
}
