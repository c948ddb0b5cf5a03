package writer

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"l3flow/models"
)

const spoolPrefix = "spool/"

// Spool is a local journal for batches the primary store refused. Entries
// are keyed spool/{venue}|{instrument}/{first sequence}-{batch id} so that a
// replay walks each stream in sequence order. One Spool is shared by every
// pipeline of the process.
type Spool struct {
	db *pebble.DB
}

func OpenSpool(dir string) (*Spool, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", dir, err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func streamPrefix(venue, instrument string) []byte {
	return []byte(spoolPrefix + streamKey(venue, instrument) + "/")
}

func spoolKey(venue, instrument string, first int64) []byte {
	return append(streamPrefix(venue, instrument), fmt.Sprintf("%020d-%s", first, uuid.New().String())...)
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := append(append([]byte(nil), prefix...), 0xff)
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

// Put journals one batch durably. All events must belong to one stream.
func (s *Spool) Put(events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode spool batch: %w", err)
	}
	first := events[0]
	return s.db.Set(spoolKey(first.Venue, first.Instrument, first.Sequence), data, pebble.Sync)
}

// Replay hands every journaled batch of the stream to fn, oldest first, and
// deletes each batch fn accepted. It stops at the first error and returns
// how many events were replayed before it.
func (s *Spool) Replay(venue, instrument string, fn func([]models.OrderEvent) error) (int, error) {
	type entry struct {
		key    []byte
		events []models.OrderEvent
	}

	iter, err := s.db.NewIter(prefixBounds(streamPrefix(venue, instrument)))
	if err != nil {
		return 0, err
	}
	var entries []entry
	for iter.First(); iter.Valid(); iter.Next() {
		var events []models.OrderEvent
		if err := json.Unmarshal(iter.Value(), &events); err != nil {
			iter.Close()
			return 0, fmt.Errorf("decode spool batch %s: %w", iter.Key(), err)
		}
		entries = append(entries, entry{key: append([]byte(nil), iter.Key()...), events: events})
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		if err := fn(e.events); err != nil {
			return replayed, err
		}
		if err := s.db.Delete(e.key, pebble.Sync); err != nil {
			return replayed, fmt.Errorf("delete spool batch: %w", err)
		}
		replayed += len(e.events)
	}
	return replayed, nil
}

// Len returns the number of journaled batches for the stream.
func (s *Spool) Len(venue, instrument string) (int, error) {
	iter, err := s.db.NewIter(prefixBounds(streamPrefix(venue, instrument)))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}
