// Package subscription fans events out to observers grouped by channel.
// A registry represents one top-level scope (an account); features are its
// named sub-channels, created lazily per channel name.
package subscription

import (
	"sync"
)

// Observer receives events from every channel it is subscribed to.
// Implementations are identified by a stable id (connection/session id),
// which is used as the set key for deduplication.
type Observer interface {
	ID() string
	Send(event string, payload any)
}

// Feature is the observer set of one channel.
type Feature struct {
	name string

	mu           sync.RWMutex
	observers    map[string]Observer
	subscribed   []func(Observer)
	unsubscribed []func(Observer)
}

func newFeature(name string) *Feature {
	return &Feature{
		name:      name,
		observers: make(map[string]Observer),
	}
}

func (f *Feature) Name() string {
	return f.name
}

// Len is the number of observers on this channel. Producers check it before
// building payloads nobody would receive.
func (f *Feature) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.observers)
}

// OnSubscribed registers a callback invoked each time an observer that was
// not previously on the channel joins it.
func (f *Feature) OnSubscribed(fn func(Observer)) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, fn)
	f.mu.Unlock()
}

// OnUnsubscribed registers a callback invoked each time an observer leaves
// the channel.
func (f *Feature) OnUnsubscribed(fn func(Observer)) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, fn)
	f.mu.Unlock()
}

// Add subscribes the observer. Adding an observer that is already subscribed
// is a no-op and fires no callbacks.
func (f *Feature) Add(observer Observer) {
	f.mu.Lock()
	if _, ok := f.observers[observer.ID()]; ok {
		f.mu.Unlock()
		return
	}
	f.observers[observer.ID()] = observer
	callbacks := f.subscribed
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(observer)
	}
}

// Remove unsubscribes the observer. Removing an observer that is not
// subscribed is a no-op.
func (f *Feature) Remove(observer Observer) {
	f.mu.Lock()
	if _, ok := f.observers[observer.ID()]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.observers, observer.ID())
	callbacks := f.unsubscribed
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(observer)
	}
}

// Emit delivers the event identically to every observer on the channel.
// Delivery to zero observers is a cheap no-op.
func (f *Feature) Emit(event string, payload any) {
	f.mu.RLock()
	observers := make([]Observer, 0, len(f.observers))
	for _, observer := range f.observers {
		observers = append(observers, observer)
	}
	f.mu.RUnlock()

	for _, observer := range observers {
		observer.Send(event, payload)
	}
}

// Registry maps channel names to features and holds the top-level observer
// set of its scope.
type Registry struct {
	mu        sync.Mutex
	observers map[string]Observer
	features  map[string]*Feature
}

func NewRegistry() *Registry {
	return &Registry{
		observers: make(map[string]Observer),
		features:  make(map[string]*Feature),
	}
}

// Feature returns the feature for the given channel name, creating it on
// first use. Each distinct name allocates a feature that lives for the
// registry's lifetime.
func (r *Registry) Feature(name string) *Feature {
	r.mu.Lock()
	defer r.mu.Unlock()

	feature, ok := r.features[name]
	if !ok {
		feature = newFeature(name)
		r.features[name] = feature
	}

	return feature
}

// Add attaches an observer to the registry's top-level scope.
func (r *Registry) Add(observer Observer) {
	r.mu.Lock()
	r.observers[observer.ID()] = observer
	r.mu.Unlock()
}

// Remove detaches the observer from the top-level scope and from every
// feature it joined.
func (r *Registry) Remove(observer Observer) {
	r.mu.Lock()
	delete(r.observers, observer.ID())
	features := make([]*Feature, 0, len(r.features))
	for _, feature := range r.features {
		features = append(features, feature)
	}
	r.mu.Unlock()

	for _, feature := range features {
		feature.Remove(observer)
	}
}

// Len is the number of top-level observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Emit delivers the event to every top-level observer.
func (r *Registry) Emit(event string, payload any) {
	r.mu.Lock()
	observers := make([]Observer, 0, len(r.observers))
	for _, observer := range r.observers {
		observers = append(observers, observer)
	}
	r.mu.Unlock()

	for _, observer := range observers {
		observer.Send(event, payload)
	}
}
