package backend

import (
	"errors"
	"testing"

	"github.com/gogpu/tilestream/internal/upload"
)

type stubStreamer struct{ name string }

func (s *stubStreamer) OpenFile(path string) (TileFile, error)      { return nil, errors.New("stub") }
func (s *stubStreamer) StreamTiles(l *upload.UpdateList) error      { return nil }
func (s *stubStreamer) Signal() uint64                              { return 0 }
func (s *stubStreamer) GetCompleted() uint64                        { return 0 }
func (s *stubStreamer) Close() error                                { return nil }

func stubFactory(name string) Factory {
	return func(cfg Config) (FileStreamer, error) {
		return &stubStreamer{name: name}, nil
	}
}

func TestRegisterGet(t *testing.T) {
	const name = "stub-test"
	Register(name, stubFactory(name))
	defer Unregister(name)

	if !IsRegistered(name) {
		t.Fatal("IsRegistered = false after Register")
	}

	fs, err := Get(name, Config{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fs.(*stubStreamer).name != name {
		t.Error("factory returned the wrong backend")
	}

	found := false
	for _, n := range Available() {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Error("Available does not list the registered backend")
	}
}

func TestGetUnknown(t *testing.T) {
	if _, err := Get("no-such-backend", Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("got %v, want ErrBackendNotAvailable", err)
	}
}

func TestUnregister(t *testing.T) {
	const name = "stub-unregister"
	Register(name, stubFactory(name))
	Unregister(name)
	if IsRegistered(name) {
		t.Error("backend still registered after Unregister")
	}
}

func TestDefaultPrefersPriorityOrder(t *testing.T) {
	Register(BackendAsyncIO, stubFactory(BackendAsyncIO))
	Register(BackendWorker, stubFactory(BackendWorker))
	defer Unregister(BackendAsyncIO)
	defer Unregister(BackendWorker)

	fs, err := Default(Config{})
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if fs.(*stubStreamer).name != BackendAsyncIO {
		t.Errorf("Default picked %s, want %s", fs.(*stubStreamer).name, BackendAsyncIO)
	}
}
