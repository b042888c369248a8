//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/sched"
	"github.com/percona/percona-resharding-applier/storage"
	"github.com/percona/percona-resharding-applier/topo"
)

const testDB = "pra_test_storage"

var client *mongo.Client //nolint:gochecknoglobals

func TestMain(m *testing.M) {
	os.Exit(runTestMain(m))
}

func runTestMain(m *testing.M) int {
	ctx := context.Background()

	mongoVersion := os.Getenv("MONGO_VERSION")
	if mongoVersion == "" {
		mongoVersion = "8.0"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:" + mongoVersion,
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start mongo container: %v\n", err)

		return 1
	}

	defer func() {
		_ = container.Terminate(ctx)
	}()

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get container host: %v\n", err)

		return 1
	}

	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get container port: %v\n", err)

		return 1
	}

	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())

	client, err = topo.Connect(ctx, uri, &config.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)

		return 1
	}

	defer func() {
		_ = client.Disconnect(ctx)
	}()

	return m.Run()
}

func freshCollection(t *testing.T, name string) *mongo.Collection {
	t.Helper()

	coll := client.Database(testDB).Collection(name)
	require.NoError(t, coll.Drop(context.Background()))

	return coll
}

func raw(t *testing.T, v any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(v)
	require.NoError(t, err)

	return data
}

func findDoc(t *testing.T, coll *mongo.Collection, id any) bson.M {
	t.Helper()

	var doc bson.M

	err := coll.FindOne(context.Background(), bson.D{{"_id", id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}

	require.NoError(t, err)

	return doc
}

func TestCollectionCRUD(t *testing.T) {
	ctx := context.Background()
	mc := freshCollection(t, "crud")
	coll := storage.NewCollection(mc)
	idVal := raw(t, bson.D{{"_id", int32(1)}}).Lookup("_id")

	require.NoError(t, coll.Insert(ctx, raw(t, bson.D{{"_id", int32(1)}, {"x", "a"}})))
	// a redelivered insert replaces the document
	require.NoError(t, coll.Insert(ctx, raw(t, bson.D{{"_id", int32(1)}, {"x", "b"}})))
	assert.Equal(t, "b", findDoc(t, mc, int32(1))["x"])

	require.NoError(t, coll.Update(ctx, idVal, raw(t, bson.D{{"$set", bson.D{{"y", int32(2)}}}})))
	assert.Equal(t, int32(2), findDoc(t, mc, int32(1))["y"])

	require.NoError(t, coll.Update(ctx, idVal, raw(t, bson.D{
		{"$v", int32(2)},
		{"diff", bson.D{{"u", bson.D{{"x", "c"}}}, {"d", bson.D{{"y", false}}}}},
	})))
	doc := findDoc(t, mc, int32(1))
	assert.Equal(t, "c", doc["x"])
	assert.NotContains(t, doc, "y")

	require.NoError(t, coll.Update(ctx, idVal, raw(t, bson.D{{"_id", int32(1)}, {"z", true}})))
	assert.Equal(t, bson.M{"_id": int32(1), "z": true}, findDoc(t, mc, int32(1)))

	err := coll.Update(ctx, idVal, raw(t, bson.D{{"$invalidOperator", bson.D{{"x", 1}}}}))
	require.Error(t, err)

	var se mongo.ServerError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.HasErrorCode(9), "expected FailedToParse: %v", err)

	// updates of missing documents are no-ops
	missing := raw(t, bson.D{{"_id", int32(42)}}).Lookup("_id")
	require.NoError(t, coll.Update(ctx, missing, raw(t, bson.D{{"$set", bson.D{{"x", 1}}}})))
	assert.Nil(t, findDoc(t, mc, int32(42)))

	require.NoError(t, coll.Delete(ctx, idVal))
	assert.Nil(t, findDoc(t, mc, int32(1)))
}

func TestProgressStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewProgressStore(freshCollection(t, "progress"))
	id := applier.SourceID{MigrationID: uuid.New(), DonorShard: "shard0"}

	_, ok, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Commit(ctx, id, pos(5, 3)))
	require.NoError(t, store.Commit(ctx, id, pos(8, 3)))

	got, ok, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(8, 3), got)

	require.NoError(t, store.Reset(ctx, id))

	_, ok, err = store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxnRecordStore(t *testing.T) {
	ctx := context.Background()
	ledger := applier.NewLedger(storage.NewTxnRecordStore(freshCollection(t, "ledger")))

	lsid := raw(t, bson.D{{"id", bson.Binary{Subtype: 4, Data: make([]byte, 16)}}})
	session := &applier.SessionInfo{SessionID: lsid, TxnNumber: 20, StmtID: 1}

	require.NoError(t, ledger.Advance(ctx, session, pos(1, 1), time.Now()))

	stale := &applier.SessionInfo{SessionID: lsid, TxnNumber: 15, StmtID: 21}
	require.ErrorIs(t, ledger.Advance(ctx, stale, pos(2, 1), time.Now()), applier.ErrTransactionTooOld)

	ok, err := ledger.CheckExecuted(ctx, lsid, 20, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ledger.CheckExecuted(ctx, lsid, 15, 21)
	require.ErrorIs(t, err, applier.ErrTransactionTooOld)
}

func TestOplogBufferSource(t *testing.T) {
	ctx := context.Background()
	buf := freshCollection(t, "oplog_buffer")

	entries := []any{
		bson.D{
			{"_id", bson.D{{"clusterTime", bson.Timestamp{T: 2, I: 1}}, {"ts", bson.Timestamp{T: 2, I: 1}}}},
			{"op", "u"}, {"ns", "db.coll"},
			{"o", bson.D{{"$set", bson.D{{"x", 2}}}}},
			{"o2", bson.D{{"_id", 1}}},
		},
		bson.D{
			{"_id", bson.D{{"clusterTime", bson.Timestamp{T: 1, I: 1}}, {"ts", bson.Timestamp{T: 1, I: 1}}}},
			{"op", "i"}, {"ns", "db.coll"},
			{"o", bson.D{{"_id", 1}, {"x", 1}}},
		},
		bson.D{
			{"_id", bson.D{{"clusterTime", bson.Timestamp{T: 3, I: 1}}, {"ts", bson.Timestamp{T: 3, I: 1}}}},
			{"op", "n"}, {"ns", "db.coll"},
			{"o", bson.D{{"msg", "final"}}},
			{"o2", bson.D{{"type", "reshardFinalOp"}}},
		},
		bson.D{
			{"_id", bson.D{{"clusterTime", bson.Timestamp{T: 4, I: 1}}, {"ts", bson.Timestamp{T: 4, I: 1}}}},
			{"op", "i"}, {"ns", "db.coll"},
			{"o", bson.D{{"_id", 9}}},
		},
	}

	_, err := buf.InsertMany(ctx, entries)
	require.NoError(t, err)

	src, err := storage.OpenOplogBuffer(ctx, buf, nil, 0)
	require.NoError(t, err)

	defer src.Close(ctx)

	var got []applier.OpType

	for src.HasMore() {
		rec, err := src.GetNext(ctx)
		require.NoError(t, err)

		if rec == nil {
			break
		}

		got = append(got, rec.Op)
	}

	assert.Equal(t, []applier.OpType{applier.Insert, applier.Update}, got)
	assert.False(t, src.HasMore())

	after := pos(1, 1)
	resumed, err := storage.OpenOplogBuffer(ctx, buf, &after, 0)
	require.NoError(t, err)

	defer resumed.Close(ctx)

	rec, err := resumed.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pos(2, 1), rec.Position)
}

func TestApplierEndToEnd(t *testing.T) {
	ctx := context.Background()
	buf := freshCollection(t, "e2e_buffer")
	dest := freshCollection(t, "e2e_dest")

	var entries []any
	for i := range 20 {
		ts := bson.Timestamp{T: uint32(i), I: 3}
		entries = append(entries, bson.D{
			{"_id", bson.D{{"clusterTime", ts}, {"ts", ts}}},
			{"op", "i"}, {"ns", "db.coll"},
			{"o", bson.D{{"_id", i}, {"x", i}}},
		})
	}

	_, err := buf.InsertMany(ctx, entries)
	require.NoError(t, err)

	src, err := storage.OpenOplogBuffer(ctx, buf, nil, 0)
	require.NoError(t, err)

	defer src.Close(ctx)

	executor := sched.NewExecutor()
	writers := sched.NewWriterPool(4)

	defer func() {
		executor.Shutdown()
		executor.Join()
		writers.Shutdown()
	}()

	id := applier.SourceID{MigrationID: uuid.New(), DonorShard: "shard0"}
	a := applier.New(id, applier.Deps{
		Source:     src,
		Collection: storage.NewCollection(dest),
		Ledger:     applier.NewLedger(storage.NewTxnRecordStore(freshCollection(t, "e2e_ledger"))),
		Progress:   storage.NewProgressStore(freshCollection(t, "e2e_progress")),
		Executor:   executor,
		Writers:    writers,
	}, applier.Options{BatchOps: 3})

	require.NoError(t, a.ApplyUntilBoundary(ctx, pos(8, 3)).Wait(ctx))

	n, err := dest.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	require.NoError(t, a.ApplyRemainder(ctx).Wait(ctx))

	n, err = dest.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	got, ok, err := a.CheckStoredProgress(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(19, 3), got)
}

func TestEnsureCollection(t *testing.T) {
	ctx := context.Background()

	coll := freshCollection(t, "ensure")
	err := topo.EnsureCollection(ctx, client, testDB, "ensure")
	require.ErrorIs(t, err, topo.ErrNotFound)

	require.NoError(t, client.Database(testDB).CreateCollection(ctx, "ensure"))
	require.NoError(t, topo.EnsureCollection(ctx, client, testDB, "ensure"))

	_ = client.Database(testDB).Collection("ensure_view").Drop(ctx)
	require.NoError(t, client.Database(testDB).CreateView(ctx, "ensure_view", coll.Name(), bson.A{}))
	err = topo.EnsureCollection(ctx, client, testDB, "ensure_view")
	require.ErrorIs(t, err, topo.ErrNotWritable)
}
