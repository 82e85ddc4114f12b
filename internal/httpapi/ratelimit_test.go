package httpapi

import "testing"

func TestPerUserLimiterAllowsBurstThenBlocks(t *testing.T) {
	t.Parallel()

	l := newPerUserLimiter(1, 2)

	if !l.allow("user-1") {
		t.Fatal("expected first call to be allowed")
	}
	if !l.allow("user-1") {
		t.Fatal("expected second call within burst to be allowed")
	}
	if l.allow("user-1") {
		t.Fatal("expected third call to exceed burst and be denied")
	}
}

func TestPerUserLimiterTracksUsersIndependently(t *testing.T) {
	t.Parallel()

	l := newPerUserLimiter(1, 1)

	if !l.allow("user-a") {
		t.Fatal("expected user-a first call to be allowed")
	}
	if !l.allow("user-b") {
		t.Fatal("expected user-b to have its own independent budget")
	}
	if l.allow("user-a") {
		t.Fatal("expected user-a to be exhausted after burst of 1")
	}
}
