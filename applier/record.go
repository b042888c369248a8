package applier

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-resharding-applier/errors"
)

// OpType is the oplog operation type of a change record.
type OpType string

const (
	Insert OpType = "i"
	Update OpType = "u"
	Delete OpType = "d"
	Noop   OpType = "n"
)

func (o OpType) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Noop:
		return "noop"
	}

	return "unknown(" + string(o) + ")"
}

// binarySubtypeUUID is the BSON binary subtype of a standard UUID.
const binarySubtypeUUID = 0x04

// finalOpType marks the last record a donor writes into the oplog buffer.
const finalOpType = "reshardFinalOp"

// Position is the resumable position of a record in the donor stream.
// Positions are ordered by ClusterTime and then by Ts.
type Position struct {
	ClusterTime bson.Timestamp `bson:"clusterTime"`
	Ts          bson.Timestamp `bson:"ts"`
}

// Compare returns -1, 0 or 1 as p sorts before, equal to, or after o.
func (p Position) Compare(o Position) int {
	if c := compareTimestamp(p.ClusterTime, o.ClusterTime); c != 0 {
		return c
	}

	return compareTimestamp(p.Ts, o.Ts)
}

func (p Position) IsZero() bool {
	return p == Position{}
}

func compareTimestamp(a, b bson.Timestamp) int {
	switch {
	case a.T != b.T:
		if a.T < b.T {
			return -1
		}

		return 1
	case a.I < b.I:
		return -1
	case a.I > b.I:
		return 1
	}

	return 0
}

func (p Position) String() string {
	return fmt.Sprintf("{clusterTime: %d.%d, ts: %d.%d}",
		p.ClusterTime.T, p.ClusterTime.I, p.Ts.T, p.Ts.I)
}

// SessionInfo is the retryable write metadata of a record.
type SessionInfo struct {
	// SessionID is the raw logical session id document (lsid).
	SessionID  bson.Raw
	TxnNumber  int64
	StmtID     int32
	PrevOpTime bson.Raw
}

// Key is the identity used to serialize ledger updates for the session.
func (s *SessionInfo) Key() string {
	return string(s.SessionID)
}

// UUID returns lsid.id when it is a UUID.
func (s *SessionInfo) UUID() (uuid.UUID, bool) {
	subtype, data, ok := s.SessionID.Lookup("id").BinaryOK()
	if !ok || subtype != binarySubtypeUUID {
		return uuid.Nil, false
	}

	id, err := uuid.FromBytes(data)

	return id, err == nil
}

func (s *SessionInfo) String() string {
	if id, ok := s.UUID(); ok {
		return fmt.Sprintf("lsid=%s txnNumber=%d stmtId=%d", id, s.TxnNumber, s.StmtID)
	}

	return fmt.Sprintf("lsid=%s txnNumber=%d stmtId=%d", s.SessionID, s.TxnNumber, s.StmtID)
}

// ChangeRecord is one mutation from the donor's oplog buffer.
type ChangeRecord struct {
	Position Position
	Op       OpType
	NS       string
	// Object is the inserted document, the update specification, or the delete filter.
	Object bson.Raw
	// Object2 is the update match document. Noop records carry their payload here.
	Object2 bson.Raw
	// Key is the _id of the target document. Empty for Noop records.
	Key      bson.RawValue
	Session  *SessionInfo
	WallTime time.Time

	size int
}

// Size is the encoded size of the record in bytes.
func (r *ChangeRecord) Size() int {
	return r.size
}

// IsFinalOp reports whether the record is the donor's end-of-stream marker.
func (r *ChangeRecord) IsFinalOp() bool {
	if r.Op != Noop || len(r.Object2) == 0 {
		return false
	}

	t, ok := r.Object2.Lookup("type").StringValueOK()

	return ok && t == finalOpType
}

// keyIdentity returns a string that is equal for _id values the server
// treats as equal. Numbers are compared by value across int32, int64, double
// and decimal128. This may merge distinct keys that round to the same double
// but never splits equal ones.
func (r *ChangeRecord) keyIdentity() (string, bool) {
	if r.Key.Type == 0 {
		return "", false
	}

	switch r.Key.Type { //nolint:exhaustive
	case bson.TypeInt32:
		return numericIdentity(float64(r.Key.Int32())), true
	case bson.TypeInt64:
		return numericIdentity(float64(r.Key.Int64())), true
	case bson.TypeDouble:
		return numericIdentity(r.Key.Double()), true
	case bson.TypeDecimal128:
		f, err := strconv.ParseFloat(r.Key.Decimal128().String(), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return decimalIdentity, true
		}

		return numericIdentity(f), true
	}

	return string([]byte{byte(r.Key.Type)}) + string(r.Key.Value), true
}

// decimalIdentity groups decimals that have no double approximation.
const decimalIdentity = "#decimal"

func numericIdentity(f float64) string {
	switch {
	case math.IsNaN(f):
		return "#NaN"
	case f == 0:
		return "#0"
	}

	return "#" + strconv.FormatFloat(f, 'g', -1, 64)
}

// oplogEntry is the oplog buffer document layout.
type oplogEntry struct {
	ID         Position  `bson:"_id"`
	Op         string    `bson:"op"`
	NS         string    `bson:"ns"`
	O          bson.Raw  `bson:"o"`
	O2         bson.Raw  `bson:"o2,omitempty"`
	LSID       bson.Raw  `bson:"lsid,omitempty"`
	TxnNumber  *int64    `bson:"txnNumber,omitempty"`
	StmtID     *int32    `bson:"stmtId,omitempty"`
	PrevOpTime bson.Raw  `bson:"prevOpTime,omitempty"`
	Wall       time.Time `bson:"wall,omitempty"`
}

// ParseChangeRecord decodes an oplog buffer document.
func ParseChangeRecord(raw bson.Raw) (*ChangeRecord, error) {
	var e oplogEntry

	err := bson.Unmarshal(raw, &e)
	if err != nil {
		return nil, errors.Wrap(err, "decode oplog entry")
	}

	rec := &ChangeRecord{
		Position: e.ID,
		Op:       OpType(e.Op),
		NS:       e.NS,
		Object:   e.O,
		Object2:  e.O2,
		WallTime: e.Wall,
		size:     len(raw),
	}

	switch rec.Op {
	case Insert, Delete:
		rec.Key = e.O.Lookup("_id")
	case Update:
		rec.Key = e.O2.Lookup("_id")
	case Noop:
	default:
		return nil, errors.Errorf("unsupported op %q at %s", e.Op, rec.Position)
	}

	if rec.Op != Noop && rec.Key.Type == 0 {
		return nil, errors.Errorf("%s at %s has no document _id", rec.Op, rec.Position)
	}

	if len(e.LSID) != 0 && e.TxnNumber != nil {
		rec.Session = &SessionInfo{
			SessionID:  e.LSID,
			TxnNumber:  *e.TxnNumber,
			PrevOpTime: e.PrevOpTime,
		}

		if e.StmtID != nil {
			rec.Session.StmtID = *e.StmtID
		}
	}

	return rec, nil
}
