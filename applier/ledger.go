package applier

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/metrics"
)

// TxnRecord is the retryable write ledger entry of one session.
type TxnRecord struct {
	SessionID       bson.Raw  `bson:"_id"`
	TxnNum          int64     `bson:"txnNum"`
	StmtIDs         []int32   `bson:"stmtIds"`
	LastWriteOpTime Position  `bson:"lastWriteOpTime"`
	LastWriteDate   time.Time `bson:"lastWriteDate"`
}

// TxnRecordStore persists ledger entries.
type TxnRecordStore interface {
	// Get returns nil without error when the session has no entry.
	Get(ctx context.Context, sessionID bson.Raw) (*TxnRecord, error)
	Put(ctx context.Context, rec *TxnRecord) error
}

// RetryLedger records which statements of which transactions were applied.
type RetryLedger interface {
	// Advance records s as applied. It fails with ErrTransactionTooOld when the
	// session already has a newer transaction recorded.
	Advance(ctx context.Context, s *SessionInfo, pos Position, wall time.Time) error
	// CheckExecuted reports whether stmtID of txnNumber was applied. It fails
	// with ErrTransactionTooOld when txnNumber is older than the recorded one.
	CheckExecuted(ctx context.Context, sessionID bson.Raw, txnNumber int64, stmtID int32) (bool, error)
}

// Ledger is a RetryLedger over a TxnRecordStore. Callers serialize Advance
// per session.
type Ledger struct {
	store TxnRecordStore
}

func NewLedger(store TxnRecordStore) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Advance(ctx context.Context, s *SessionInfo, pos Position, wall time.Time) error {
	rec, err := l.store.Get(ctx, s.SessionID)
	if err != nil {
		return errors.Wrap(err, "get txn record")
	}

	switch {
	case rec == nil || s.TxnNumber > rec.TxnNum:
		rec = &TxnRecord{
			SessionID: s.SessionID,
			TxnNum:    s.TxnNumber,
			StmtIDs:   []int32{s.StmtID},
		}

	case s.TxnNumber == rec.TxnNum:
		if !slices.Contains(rec.StmtIDs, s.StmtID) {
			rec.StmtIDs = append(rec.StmtIDs, s.StmtID)
		}

	default:
		return errors.Wrapf(ErrTransactionTooOld,
			"txnNumber %d is older than recorded %d", s.TxnNumber, rec.TxnNum)
	}

	rec.LastWriteOpTime = pos
	rec.LastWriteDate = wall

	err = l.store.Put(ctx, rec)

	return errors.Wrap(err, "put txn record")
}

func (l *Ledger) CheckExecuted(
	ctx context.Context,
	sessionID bson.Raw,
	txnNumber int64,
	stmtID int32,
) (bool, error) {
	rec, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return false, errors.Wrap(err, "get txn record")
	}

	switch {
	case rec == nil || txnNumber > rec.TxnNum:
		return false, nil
	case txnNumber < rec.TxnNum:
		return false, errors.Wrapf(ErrTransactionTooOld,
			"txnNumber %d is older than recorded %d", txnNumber, rec.TxnNum)
	}

	return slices.Contains(rec.StmtIDs, stmtID), nil
}

// ledgerAdapter advances the ledger after a record's write. Stale updates are
// dropped because the document write stands on its own.
type ledgerAdapter struct {
	ledger RetryLedger
	locks  keyedMutex
}

func (a *ledgerAdapter) update(ctx context.Context, rec *ChangeRecord) error {
	unlock := a.locks.lock(rec.Session.Key())
	defer unlock()

	err := a.ledger.Advance(ctx, rec.Session, rec.Position, rec.WallTime)
	if errors.Is(err, ErrTransactionTooOld) {
		metrics.IncLedgerStale()
		log.Ctx(ctx).With(log.OpTime(rec.Position.Ts.T, rec.Position.Ts.I)).
			Debugf("Skip stale ledger update (%s): %v", rec.Session, err)

		return nil
	}

	return err
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}

	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
