package memory

import (
	"sync"

	"installcore/pkg/domain"
)

type watch struct {
	store  *Store
	entity domain.EntityType
	ch     chan domain.Notification
	once   sync.Once
}

// Watch registers for change notifications on one collection. Each commit that
// touches the collection produces one notification; a reader that falls behind
// sees only the most recent one.
func (s *Store) Watch(entity domain.EntityType) domain.Watch {
	w := &watch{store: s, entity: entity, ch: make(chan domain.Notification, 1)}
	s.watchMu.Lock()
	set, ok := s.watchers[entity]
	if !ok {
		set = make(map[*watch]struct{})
		s.watchers[entity] = set
	}
	set[w] = struct{}{}
	s.watchMu.Unlock()
	return w
}

func (w *watch) C() <-chan domain.Notification { return w.ch }

// Close unregisters the watch and closes its channel. It is safe to call twice.
func (w *watch) Close() {
	w.once.Do(func() {
		w.store.watchMu.Lock()
		delete(w.store.watchers[w.entity], w)
		close(w.ch)
		w.store.watchMu.Unlock()
	})
}

// notify fans a notification out to every watcher of the given collections
// without blocking the committer.
func (s *Store) notify(entities []domain.EntityType) {
	if len(entities) == 0 {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, entity := range entities {
		s.seq++
		n := domain.Notification{Entity: entity, Seq: s.seq}
		for w := range s.watchers[entity] {
			select {
			case w.ch <- n:
			default:
				select {
				case <-w.ch:
				default:
				}
				select {
				case w.ch <- n:
				default:
				}
			}
		}
	}
}

// WatcherCount reports the number of open watches on a collection.
func (s *Store) WatcherCount(entity domain.EntityType) int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watchers[entity])
}
