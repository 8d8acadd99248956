package provision

import (
	"context"
	"sync"
)

func init() {
	Register("fake", func(Config) (Driver, error) { return NewFake(), nil })
}

// Fake records calls instead of talking to a backend. Errors set in
// SaveErr or RebootErr are returned for the matching node name.
type Fake struct {
	mu        sync.Mutex
	Saved     []Node
	Rebooted  []string
	SaveErr   map[string]error
	RebootErr map[string]error
}

func NewFake() *Fake {
	return &Fake{SaveErr: map[string]error{}, RebootErr: map[string]error{}}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Save(_ context.Context, n Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SaveErr[n.Name]; err != nil {
		return err
	}
	f.Saved = append(f.Saved, n)
	return nil
}

func (f *Fake) PowerReboot(_ context.Context, n Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.RebootErr[n.Name]; err != nil {
		return err
	}
	f.Rebooted = append(f.Rebooted, n.Name)
	return nil
}

// SavedNodes returns a copy of the saved descriptors.
func (f *Fake) SavedNodes() []Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Node(nil), f.Saved...)
}

func (f *Fake) RebootedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Rebooted...)
}
