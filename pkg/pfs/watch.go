package pfs

// EventType selects which file lifecycle transitions a watch observes.
type EventType uint8

const (
	// EventClosed fires when a writable handle on the file is closed
	// (including the close that finalizes an overwrite).
	EventClosed EventType = 1 << 0

	// EventRemoved fires when the file is removed.
	EventRemoved EventType = 1 << 1
)

// Event is delivered to watch callbacks.
type Event struct {
	Name string
	Type EventType
}

// WatchID identifies a registration for Unwatch.
type WatchID uint32

type watchEntry struct {
	id   WatchID
	name string
	mask EventType
	fn   func(Event)
}

// Watch registers a callback for lifecycle events on the named file.
// Callbacks run on the goroutine performing the triggering operation,
// after the filesystem lock has been released, so they may call back
// into the filesystem.
func (fs *Filesystem) Watch(name string, mask EventType, fn func(Event)) (WatchID, error) {
	if fn == nil || mask == 0 || len(name) == 0 || len(name) > MaxFilenameLen {
		return 0, ErrInvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nextWatchID++
	id := fs.nextWatchID
	fs.watches = append(fs.watches, watchEntry{id: id, name: name, mask: mask, fn: fn})
	return id, nil
}

// Unwatch removes a registration. Unknown IDs are ignored.
func (fs *Filesystem) Unwatch(id WatchID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.watches {
		if fs.watches[i].id == id {
			fs.watches = append(fs.watches[:i], fs.watches[i+1:]...)
			return
		}
	}
}

// watchersFor snapshots the callbacks to run for an event. Must be
// called with the lock held; the returned callbacks must be invoked
// only after it is released.
func (fs *Filesystem) watchersFor(name string, t EventType) []func(Event) {
	var out []func(Event)
	for _, w := range fs.watches {
		if w.name == name && w.mask&t != 0 {
			out = append(out, w.fn)
		}
	}
	return out
}
