// Package testutil holds helpers shared by munin's tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"munin/internal/config"
	"munin/internal/identity"
)

// NewSecret generates a fresh node identity or fails the test.
func NewSecret(t testing.TB) identity.SecretKey {
	t.Helper()
	k, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate secret key: %v", err)
	}
	return k
}

func NewNodeID(t testing.TB) identity.NodeID {
	t.Helper()
	return NewSecret(t).Public()
}

// IsolateDataDir points the config data root at a fresh temp directory for
// the rest of the test and returns it. Not usable from parallel tests.
func IsolateDataDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)
	return dir
}

// Eventually polls cond every tick until it holds or wait elapses.
func Eventually(t testing.TB, wait, tick time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", wait)
		}
		time.Sleep(tick)
	}
}

// DecodeDeadline bounds one FuzzDecode run; slower inputs count as hangs.
const DecodeDeadline = 100 * time.Millisecond

// FuzzDecode feeds the first limit bytes of data to decode and, when that
// succeeds, hands the value to check. Decode errors are expected; a check
// error, a panic or a run longer than DecodeDeadline fails t.
func FuzzDecode[T any](t testing.TB, data []byte, limit int, decode func([]byte) (T, error), check func(T) error) {
	t.Helper()
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic on %d byte input: %v", len(data), r)
			}
		}()
		v, err := decode(data)
		if err != nil {
			done <- nil
			return
		}
		done <- check(v)
	}()
	timer := time.NewTimer(DecodeDeadline)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-timer.C:
		t.Fatalf("decoding %d bytes took longer than %s", len(data), DecodeDeadline)
	}
}
