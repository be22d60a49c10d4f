package transport

import (
	"context"
	"strings"
	"testing"
)

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, cfg Config) (Client, error) { return nil, nil }

func TestRegisterAndLookupDialer(t *testing.T) {
	RegisterDialer("registry-test", stubDialer{})

	d, err := LookupDialer("registry-test")
	if err != nil {
		t.Fatalf("LookupDialer() error = %v", err)
	}
	if d == nil {
		t.Fatal("LookupDialer() returned nil dialer")
	}

	if _, err := LookupDialer("registry-missing"); err == nil ||
		!strings.Contains(err.Error(), "registry-test") {
		t.Errorf("LookupDialer(missing) error = %v, want list of registered names", err)
	}

	found := false
	for _, name := range DialerNames() {
		if name == "registry-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("DialerNames() = %v, missing registry-test", DialerNames())
	}
}

func TestRegisterDialerPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		fn()
	}
	mustPanic("nil dialer", func() { RegisterDialer("registry-nil", nil) })

	RegisterDialer("registry-dup", stubDialer{})
	mustPanic("duplicate name", func() { RegisterDialer("registry-dup", stubDialer{}) })
}
