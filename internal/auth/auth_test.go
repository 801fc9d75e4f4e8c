package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticNotifiesOnClear(t *testing.T) {
	s := NewStatic(Credentials{Token: "t", UserID: 3})
	if !s.Credentials().Valid() {
		t.Fatal("expected valid credentials")
	}

	got := make(chan Credentials, 1)
	cancel := s.Subscribe(func(c Credentials) { got <- c })
	s.Clear()

	select {
	case c := <-got:
		if c.Valid() {
			t.Errorf("expected cleared credentials, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}

	cancel()
	s.Set(Credentials{Token: "x", UserID: 1})
	select {
	case c := <-got:
		t.Errorf("cancelled subscriber notified with %+v", c)
	default:
	}
}

func TestFileStoreMissingFileIsSignedOut(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "credentials.yaml"))
	if err != nil {
		t.Fatalf("OpenFileStore() error: %v", err)
	}
	defer s.Close()
	if s.Credentials().Valid() {
		t.Error("expected no credentials")
	}
}

func TestFileStoreLoadsAndWatchesLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte("token: abc\nuser_id: 7\nusername: lan\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error: %v", err)
	}
	defer s.Close()

	c := s.Credentials()
	if c.Token != "abc" || c.UserID != 7 || c.Username != "lan" {
		t.Fatalf("Credentials() = %+v", c)
	}

	changes := make(chan Credentials, 4)
	s.Subscribe(func(c Credentials) { changes <- c })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.Valid() {
			t.Errorf("expected logout, got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("logout not observed")
	}
}

func TestFileStoreSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error: %v", err)
	}
	defer s.Close()

	changes := make(chan Credentials, 4)
	s.Subscribe(func(c Credentials) { changes <- c })

	if err := s.Save(Credentials{Token: "new", UserID: 9}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Token == "new" && c.UserID == 9 {
				if err := s.Logout(); err != nil {
					t.Fatalf("Logout() error: %v", err)
				}
				if s.Credentials().Valid() {
					t.Error("Logout() left credentials in place")
				}
				return
			}
		case <-deadline:
			t.Fatal("save not observed")
		}
	}
}
