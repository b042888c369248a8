package applier //nolint:testpackage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/sched"
)

var errFailedToParse = errors.New("FailedToParse: unknown modifier")

// at returns the position used by test records: both timestamps are {t, 3}.
func at(t uint32) Position {
	ts := bson.Timestamp{T: t, I: 3}

	return Position{ClusterTime: ts, Ts: ts}
}

func mustRaw(t *testing.T, v any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(v)
	require.NoError(t, err)

	return data
}

func mustRecord(t *testing.T, entry bson.D) *ChangeRecord {
	t.Helper()

	rec, err := ParseChangeRecord(mustRaw(t, entry))
	require.NoError(t, err)

	return rec
}

func insertRec(t *testing.T, pos Position, id any, fields ...bson.E) *ChangeRecord {
	t.Helper()

	doc := append(bson.D{{Key: "_id", Value: id}}, fields...)

	return mustRecord(t, bson.D{
		{Key: "_id", Value: pos},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "test.coll"},
		{Key: "o", Value: doc},
	})
}

func updateRec(t *testing.T, pos Position, id any, update bson.D) *ChangeRecord {
	t.Helper()

	return mustRecord(t, bson.D{
		{Key: "_id", Value: pos},
		{Key: "op", Value: "u"},
		{Key: "ns", Value: "test.coll"},
		{Key: "o", Value: update},
		{Key: "o2", Value: bson.D{{Key: "_id", Value: id}}},
	})
}

func deleteRec(t *testing.T, pos Position, id any) *ChangeRecord {
	t.Helper()

	return mustRecord(t, bson.D{
		{Key: "_id", Value: pos},
		{Key: "op", Value: "d"},
		{Key: "ns", Value: "test.coll"},
		{Key: "o", Value: bson.D{{Key: "_id", Value: id}}},
	})
}

func lsid(n byte) bson.Raw {
	data := make([]byte, 16)
	data[15] = n

	raw, _ := bson.Marshal(bson.D{{Key: "id", Value: bson.Binary{Subtype: binarySubtypeUUID, Data: data}}})

	return raw
}

func withSession(rec *ChangeRecord, sessionID bson.Raw, txn int64, stmt int32) *ChangeRecord {
	rec.Session = &SessionInfo{SessionID: sessionID, TxnNumber: txn, StmtID: stmt}

	return rec
}

func decimal(t *testing.T, s string) bson.Decimal128 {
	t.Helper()

	d, err := bson.ParseDecimal128(s)
	require.NoError(t, err)

	return d
}

// sameKeyRecords returns an insert of _id 1 at(0) followed by n-1 updates of
// it at(1)..at(n-1), each setting x to its position.
func sameKeyRecords(t *testing.T, n int) []*ChangeRecord {
	t.Helper()

	recs := []*ChangeRecord{insertRec(t, at(0), int32(1), bson.E{Key: "x", Value: int32(0)})}
	for i := 1; i < n; i++ {
		recs = append(recs, updateRec(t, at(uint32(i)), int32(1), //nolint:gosec
			bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: int32(i)}}}}))
	}

	return recs
}

// inserts returns n insert records with _id 0..n-1 at positions at(0)..at(n-1).
func inserts(t *testing.T, n int) []*ChangeRecord {
	t.Helper()

	recs := make([]*ChangeRecord, n)
	for i := range n {
		recs[i] = insertRec(t, at(uint32(i)), int32(i), bson.E{Key: "x", Value: int32(i)}) //nolint:gosec
	}

	return recs
}

// fakeSource serves records from a slice. failAt makes the fetch of that
// index fail with err.
type fakeSource struct {
	mu      sync.Mutex
	records []*ChangeRecord
	next    int
	failAt  int
	err     error
	fetched int
}

func newFakeSource(records []*ChangeRecord) *fakeSource {
	return &fakeSource{records: records, failAt: -1}
}

func (s *fakeSource) add(recs ...*ChangeRecord) {
	s.mu.Lock()
	s.records = append(s.records, recs...)
	s.mu.Unlock()
}

func (s *fakeSource) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next < len(s.records)
}

func (s *fakeSource) GetNext(context.Context) (*ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == s.failAt {
		return nil, s.err
	}

	if s.next >= len(s.records) {
		return nil, nil
	}

	rec := s.records[s.next]
	s.next++
	s.fetched++

	return rec, nil
}

// memCollection is an in-memory destination collection.
type memCollection struct {
	mu   sync.Mutex
	docs map[string]bson.M
	// failOn returns an error to fail the write of a record.
	failOn func(op OpType, id bson.RawValue) error
}

func newMemCollection() *memCollection {
	return &memCollection{docs: make(map[string]bson.M)}
}

func docKey(id bson.RawValue) string {
	return fmt.Sprintf("%d:%x", id.Type, id.Value)
}

func (c *memCollection) check(op OpType, id bson.RawValue) error {
	if c.failOn == nil {
		return nil
	}

	return c.failOn(op, id)
}

func (c *memCollection) Insert(_ context.Context, doc bson.Raw) error {
	id := doc.Lookup("_id")
	if err := c.check(Insert, id); err != nil {
		return err
	}

	var m bson.M
	if err := bson.Unmarshal(doc, &m); err != nil {
		return err //nolint:wrapcheck
	}

	c.mu.Lock()
	c.docs[docKey(id)] = m
	c.mu.Unlock()

	return nil
}

func (c *memCollection) Update(_ context.Context, id bson.RawValue, update bson.Raw) error {
	if err := c.check(Update, id); err != nil {
		return err
	}

	elems, err := update.Elements()
	if err != nil {
		return err //nolint:wrapcheck
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[docKey(id)]
	if !ok {
		return nil
	}

	if len(elems) == 0 || !strings.HasPrefix(elems[0].Key(), "$") {
		var m bson.M
		if err := bson.Unmarshal(update, &m); err != nil {
			return err //nolint:wrapcheck
		}

		c.docs[docKey(id)] = m

		return nil
	}

	var mods map[string]bson.M
	if err := bson.Unmarshal(update, &mods); err != nil {
		return err //nolint:wrapcheck
	}

	for op, fields := range mods {
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$v":
		default:
			return errors.Wrap(errFailedToParse, op)
		}
	}

	return nil
}

func (c *memCollection) Delete(_ context.Context, id bson.RawValue) error {
	if err := c.check(Delete, id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.docs, docKey(id))
	c.mu.Unlock()

	return nil
}

func (c *memCollection) get(t *testing.T, id any) bson.M {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.docs[docKey(mustRaw(t, bson.D{{Key: "_id", Value: id}}).Lookup("_id"))]
}

func (c *memCollection) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.docs)
}

// memProgress is an in-memory progress store.
type memProgress struct {
	mu      sync.Mutex
	markers map[SourceID]Position
	commits []Position
	err     error
}

func newMemProgress() *memProgress {
	return &memProgress{markers: make(map[SourceID]Position)}
}

func (p *memProgress) Commit(_ context.Context, id SourceID, pos Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.markers[id] = pos
	p.commits = append(p.commits, pos)

	return nil
}

func (p *memProgress) Lookup(_ context.Context, id SourceID) (Position, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.markers[id]

	return pos, ok, nil
}

// memTxnStore is an in-memory ledger store.
type memTxnStore struct {
	mu      sync.Mutex
	records map[string]TxnRecord
}

func newMemTxnStore() *memTxnStore {
	return &memTxnStore{records: make(map[string]TxnRecord)}
}

func (s *memTxnStore) Get(_ context.Context, sessionID bson.Raw) (*TxnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[string(sessionID)]
	if !ok {
		return nil, nil
	}

	rec.StmtIDs = append([]int32(nil), rec.StmtIDs...)

	return &rec, nil
}

func (s *memTxnStore) Put(_ context.Context, rec *TxnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[string(rec.SessionID)] = *rec

	return nil
}

// harness wires an Applier to in-memory collaborators.
type harness struct {
	id       SourceID
	source   *fakeSource
	coll     *memCollection
	progress *memProgress
	txns     *memTxnStore
	executor *sched.Executor
	writers  *sched.WriterPool
	applier  *Applier
}

func newHarness(t *testing.T, records []*ChangeRecord, opts Options) *harness {
	t.Helper()

	h := &harness{
		id:       SourceID{MigrationID: uuid.New(), DonorShard: "shard0"},
		source:   newFakeSource(records),
		coll:     newMemCollection(),
		progress: newMemProgress(),
		txns:     newMemTxnStore(),
		executor: sched.NewExecutor(),
		writers:  sched.NewWriterPool(4),
	}

	t.Cleanup(func() {
		h.executor.Shutdown()
		h.executor.Join()
		h.writers.Shutdown()
	})

	h.applier = New(h.id, Deps{
		Source:     h.source,
		Collection: h.coll,
		Ledger:     NewLedger(h.txns),
		Progress:   h.progress,
		Executor:   h.executor,
		Writers:    h.writers,
	}, opts)

	return h
}

func (h *harness) committed(t *testing.T) (Position, bool) {
	t.Helper()

	pos, ok, err := h.applier.CheckStoredProgress(context.Background(), h.id)
	require.NoError(t, err)

	return pos, ok
}

func wait(t *testing.T, f *sched.Future) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")

	return err
}
