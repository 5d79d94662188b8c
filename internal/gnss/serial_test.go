package gnss

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMockPortReplaysSentences(t *testing.T) {
	port := NewMockPort([]string{"$GPGGA,1", "$GPGGA,2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Monitor(ctx)

	for _, want := range []string{"$GPGGA,1", "$GPGGA,2"} {
		select {
		case line := <-port.Lines():
			if line != want {
				t.Errorf("line = %q, want %q", line, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for line")
		}
	}
}

func TestMockPortStopsOnCancel(t *testing.T) {
	port := NewMockPort([]string{"$GPGGA,1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- port.Monitor(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestDecodeRoutesFixes(t *testing.T) {
	port := NewMockPort([]string{
		"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A",
		ggaFixture,
		"not a sentence with GGA in it",
		"$GPGGA,123519,,,,,0,00,,,M,,M,,", // no fix, skipped
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Monitor(ctx)

	var mu sync.Mutex
	var fixes []Fix
	done := make(chan struct{})
	go func() {
		Decode(ctx, port, func(f Fix) {
			mu.Lock()
			fixes = append(fixes, f)
			mu.Unlock()
			close(done)
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fixes) != 1 {
		t.Fatalf("got %d fixes, want 1", len(fixes))
	}
	if fixes[0].Satellites != 8 {
		t.Errorf("satellites = %d, want 8", fixes[0].Satellites)
	}
}
