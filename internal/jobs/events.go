package jobs

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// broker fans job snapshots out to in-process subscribers. Each subscriber
// holds at most one pending snapshot; a newer one replaces it.
type broker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan *models.Job]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[uuid.UUID]map[chan *models.Job]struct{})}
}

func (b *broker) subscribe(id uuid.UUID) (<-chan *models.Job, func()) {
	ch := make(chan *models.Job, 1)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan *models.Job]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
		})
	}
}

func (b *broker) publish(j *models.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[j.ID] {
		select {
		case ch <- j.Clone():
			continue
		default:
		}
		// Drop the stale snapshot and deliver the latest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- j.Clone():
		default:
		}
	}
}
