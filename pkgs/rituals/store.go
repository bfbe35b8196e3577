package rituals

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// Record holds the locally produced artifacts for one ritual. It exists to
// avoid recomputation and to keep transaction receipts around for audit; the
// Coordinator contract remains the source of truth.
type Record struct {
	Transcript           []byte
	TranscriptReceipt    *types.Receipt
	AggregatedTranscript []byte
	AggregationReceipt   *types.Receipt
	PublicKey            []byte
}

// Store is a write-through, in-memory cache of per-ritual records. Records are
// created lazily on first write and never destroyed automatically. A single
// tracker instance is the only writer; losing the store on restart is safe,
// only slower (artifacts are regenerated or refetched from chain).
type Store struct {
	mtx     sync.RWMutex
	records map[uint32]*Record
}

func NewStore() *Store {
	return &Store{
		records: make(map[uint32]*Record),
	}
}

func (s *Store) record(ritualID uint32) *Record {
	rec, ok := s.records[ritualID]
	if !ok {
		rec = &Record{}
		s.records[ritualID] = rec
	}
	return rec
}

// Get returns a copy of the record for the given ritual id, if one exists.
func (s *Store) Get(ritualID uint32) (Record, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rec, ok := s.records[ritualID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Store) SetTranscript(ritualID uint32, transcript []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.record(ritualID).Transcript = transcript
}

func (s *Store) SetTranscriptReceipt(ritualID uint32, receipt *types.Receipt) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.record(ritualID).TranscriptReceipt = receipt
}

func (s *Store) SetAggregate(ritualID uint32, aggregate, publicKey []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rec := s.record(ritualID)
	rec.AggregatedTranscript = aggregate
	rec.PublicKey = publicKey
}

func (s *Store) SetAggregationReceipt(ritualID uint32, receipt *types.Receipt) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.record(ritualID).AggregationReceipt = receipt
}

// IDs returns the ritual ids that have a local record, in unspecified order.
func (s *Store) IDs() []uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ids := make([]uint32, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// WriteSnapshot dumps every record to a JSON file for debugging. Receipts are
// included verbatim so submissions can be traced back to transactions.
func (s *Store) WriteSnapshot(filepath string) error {
	s.mtx.RLock()
	snapshot := make(map[uint32]Record, len(s.records))
	for id, rec := range s.records {
		snapshot[id] = *rec
	}
	s.mtx.RUnlock()

	file, err := os.Create(filepath)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
