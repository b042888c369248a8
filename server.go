package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/metrics"
	"github.com/percona/percona-resharding-applier/sched"
	"github.com/percona/percona-resharding-applier/storage"
	"github.com/percona/percona-resharding-applier/topo"
	"github.com/percona/percona-resharding-applier/util"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	MaxRequestSize          = humanize.MiByte
)

// runServer connects to the clusters, starts the HTTP server and applies
// the donor stream. The server keeps running after the stream is applied
// until the process is interrupted.
func runServer(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	srv, err := createServer(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "new server")
	}

	addr := fmt.Sprintf("localhost:%d", cfg.ServerPort())
	httpServer := http.Server{
		Addr:    addr,
		Handler: srv.Handler(),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}

	go func() {
		log.Ctx(ctx).Info("Starting HTTP server at http://" + addr)

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.New("server").Error(err, "HTTP server")
			stop()
		}
	}()

	runErr := srv.Run(ctx)
	if runErr != nil {
		log.New("server").Error(runErr, "Apply failed")
	}

	<-ctx.Done()

	err = util.Cleanup(ctx, config.DisconnectTimeout, func(ctx context.Context) error {
		return errors.Join(httpServer.Shutdown(ctx), srv.Close(ctx))
	})
	if err != nil {
		log.New("server").Error(err, "Close server")
	}

	return runErr
}

// Server represents the applier server.
type Server struct {
	// Cfg holds the configuration.
	Cfg *config.Config
	// sourceCluster holds the oplog buffer.
	sourceCluster *mongo.Client
	// targetCluster holds the destination collection and the txn ledger.
	targetCluster *mongo.Client

	id       applier.SourceID
	boundary applier.Position
	progress *progressStore
	executor *sched.Executor
	writers  *sched.WriterPool

	// applier is set by Run once the oplog buffer cursor is open.
	applier atomic.Pointer[applier.Applier]

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

// createServer creates a new server with the given options.
func createServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	lg := log.Ctx(ctx)

	migrationID, err := cfg.Resharding.MigrationUUID()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	clusterTime, err := config.ParseTimestamp(cfg.Resharding.Boundary)
	if err != nil {
		return nil, errors.Wrap(err, "boundary")
	}

	source, err := connectCluster(ctx, "source", cfg.Source, cfg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.Cleanup(ctx, config.DisconnectTimeout, source.Disconnect)
		if err1 != nil {
			lg.Warn("Disconnect Source Cluster: " + err1.Error())
		}
	}()

	target, err := connectCluster(ctx, "target", cfg.Target, cfg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.Cleanup(ctx, config.DisconnectTimeout, target.Disconnect)
		if err1 != nil {
			lg.Warn("Disconnect Target Cluster: " + err1.Error())
		}
	}()

	id := applier.SourceID{MigrationID: migrationID, DonorShard: cfg.Resharding.DonorShard}

	progress, err := newProgressStore(ctx, cfg, id, target)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	s := &Server{
		Cfg:           cfg,
		sourceCluster: source,
		targetCluster: target,
		id:            id,
		// every record of the boundary cluster time belongs to the clone phase
		boundary: applier.Position{
			ClusterTime: clusterTime,
			Ts:          bson.Timestamp{T: math.MaxUint32, I: math.MaxUint32},
		},
		progress:     progress,
		executor:     sched.NewExecutor(),
		writers:      sched.NewWriterPool(cfg.Apply.NumWriters()),
		promRegistry: promRegistry,
	}

	return s, nil
}

func connectCluster(ctx context.Context, name, uri string, cfg *config.Config) (*mongo.Client, error) {
	client, err := topo.Connect(ctx, uri, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s cluster", name)
	}

	ver, err := topo.Version(ctx, client)
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, errors.Wrapf(err, "%s version", name)
	}

	minVer, _ := topo.ParseVersion(topo.MinSupportedVersion)
	if ver.LessThan(minVer) {
		_ = client.Disconnect(ctx)

		return nil, errors.Errorf("%s cluster version %s is not supported (min %s)",
			name, ver, topo.MinSupportedVersion)
	}

	cs, _ := connstring.Parse(uri)
	log.Ctx(ctx).Infof("Connected to %s cluster [%s]: %s://%s",
		name, ver.String(), cs.Scheme, strings.Join(cs.Hosts, ","))

	return client, nil
}

// Run applies the donor stream: first up to the clone boundary, then the rest.
// It resumes after the committed progress marker when one exists.
func (s *Server) Run(ctx context.Context) error {
	lg := log.Ctx(ctx).With(log.Source(s.id.MigrationID.String(), s.id.DonorShard))

	bufDB, bufColl := config.SplitNamespace(s.Cfg.Resharding.BufferNS())
	destDB, destColl := config.SplitNamespace(s.Cfg.Resharding.DestNS)

	err := topo.EnsureCollection(ctx, s.targetCluster, destDB, destColl)
	if err != nil {
		return errors.Wrap(err, "destination collection")
	}

	err = topo.EnsureCollection(ctx, s.sourceCluster, bufDB, bufColl)
	if err != nil {
		return errors.Wrap(err, "oplog buffer")
	}

	committed, resumed, err := s.progress.Lookup(ctx, s.id)
	if err != nil {
		return errors.Wrap(err, "lookup progress")
	}

	var after *applier.Position
	if resumed {
		after = &committed
		lg.Infof("Resuming after %s", committed)
	}

	source, err := storage.OpenOplogBuffer(ctx,
		s.sourceCluster.Database(bufDB).Collection(bufColl),
		after,
		int32(min(s.Cfg.Apply.BatchLimitOps(), 1<<20))) //nolint:gosec
	if err != nil {
		return errors.Wrap(err, "open oplog buffer")
	}

	defer func() {
		err := source.Close(context.WithoutCancel(ctx))
		if err != nil {
			lg.Warn("Close oplog buffer cursor: " + err.Error())
		}
	}()

	ledger := applier.NewLedger(storage.NewTxnRecordStore(
		s.targetCluster.Database(config.LedgerDB).Collection(config.LedgerColl)))

	a := applier.New(s.id, applier.Deps{
		Source:     source,
		Collection: storage.NewCollection(s.targetCluster.Database(destDB).Collection(destColl)),
		Ledger:     ledger,
		Progress:   s.progress,
		Executor:   s.executor,
		Writers:    s.writers,
	}, applier.Options{
		BatchOps:   s.Cfg.Apply.BatchLimitOps(),
		BatchBytes: s.Cfg.Apply.BatchLimitBytes(),
	})
	s.applier.Store(a)

	lg.With(log.NS(destDB, destColl)).Infof("Applying %s (batch %d ops / %s, %d writers)",
		s.Cfg.Resharding.BufferNS(),
		s.Cfg.Apply.BatchLimitOps(),
		humanize.IBytes(uint64(s.Cfg.Apply.BatchLimitBytes())), //nolint:gosec
		s.writers.NumWorkers())

	startedAt := time.Now()

	err = a.ApplyUntilBoundary(ctx, s.boundary).Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "apply until boundary")
	}

	lg.With(log.Elapsed(time.Since(startedAt))).Info("Clone boundary reached")

	err = a.ApplyRemainder(ctx).Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "apply remainder")
	}

	st := a.Status()
	lg.With(log.Elapsed(time.Since(startedAt)), log.Count(st.RecordsApplied)).
		Infof("Donor stream applied up to %s", st.LastCommitted)

	return nil
}

// Close stops the workers and closes the server connections.
func (s *Server) Close(ctx context.Context) error {
	s.executor.Shutdown()
	s.executor.Join()
	s.writers.Shutdown()

	err0 := s.progress.close(ctx)
	err1 := s.sourceCluster.Disconnect(ctx)
	err2 := s.targetCluster.Disconnect(ctx)

	return errors.Join(err0, err1, err2)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.Handle("/metrics", s.HandleMetrics())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			log.New("http").Trace(r.Method + " " + r.URL.String())
		} else {
			log.New("http").Info(r.Method + " " + r.URL.String())
		}
		mux.ServeHTTP(w, r)
	})
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	res := statusResponse{
		Ok:          true,
		State:       applier.StateIdle,
		MigrationID: s.id.MigrationID.String(),
		DonorShard:  s.id.DonorShard,
		Boundary:    newPositionResponse(s.boundary),
	}

	a := s.applier.Load()
	if a == nil {
		writeResponse(w, res)

		return
	}

	writeResponse(w, newStatusResponse(s.id, a.Status()))
}

func (s *Server) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

func newStatusResponse(id applier.SourceID, status applier.Status) statusResponse {
	res := statusResponse{
		Ok:             status.Err == nil,
		State:          status.State,
		MigrationID:    id.MigrationID.String(),
		DonorShard:     id.DonorShard,
		Boundary:       newPositionResponse(status.Boundary),
		RecordsApplied: status.RecordsApplied,
		BatchesApplied: status.BatchesApplied,
	}

	if status.Err != nil {
		res.Err = status.Err.Error()
	}

	if !status.LastCommitted.IsZero() {
		res.LastCommitted = newPositionResponse(status.LastCommitted)
	}

	switch status.State {
	case applier.StateIdle:
	case applier.StateCloning:
		res.Info = "Applying up to the clone boundary"
	case applier.StateBoundaryReached:
		res.Info = "Clone boundary reached"
	case applier.StateCatchUp:
		res.Info = "Applying the remaining records"
	case applier.StateDone:
		res.Info = "Done"
	case applier.StateFailed:
		res.Info = "Failed"
	}

	return res
}

func newPositionResponse(pos applier.Position) *positionResponse {
	return &positionResponse{
		ClusterTime: formatTimestamp(pos.ClusterTime),
		TS:          formatTimestamp(pos.Ts),
		ISODate:     time.Unix(int64(pos.ClusterTime.T), 0).UTC().Format(time.RFC3339),
	}
}

func formatTimestamp(ts bson.Timestamp) string {
	return fmt.Sprintf("%d.%d", ts.T, ts.I)
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// statusResponse represents the response body for the /status endpoint.
type statusResponse struct {
	// Ok is false when the applier failed.
	Ok bool `json:"ok"`
	// Err is the error message if the applier failed.
	Err string `json:"error,omitempty"`

	// State is the current applier state.
	State applier.State `json:"state"`
	// Info provides additional information about the current state.
	Info string `json:"info,omitempty"`

	MigrationID string `json:"migrationId"`
	DonorShard  string `json:"donorShard"`

	// Boundary is the clone completion position.
	Boundary *positionResponse `json:"boundary,omitempty"`
	// LastCommitted is the position of the last fully applied batch.
	LastCommitted *positionResponse `json:"lastCommitted,omitempty"`

	RecordsApplied int64 `json:"recordsApplied"`
	BatchesApplied int64 `json:"batchesApplied"`
}

type positionResponse struct {
	ClusterTime string `json:"clusterTime"`
	TS          string `json:"ts"`
	ISODate     string `json:"isoDate"`
}

// progressResponse is printed by the progress command.
type progressResponse struct {
	MigrationID string            `json:"migrationId"`
	DonorShard  string            `json:"donorShard"`
	Backend     string            `json:"backend"`
	Progress    *positionResponse `json:"progress,omitempty"`
}

type PRAClient struct {
	port int
}

func NewClient(port int) PRAClient {
	return PRAClient{port: port}
}

// Status sends a request to get the status of the applier.
func (c PRAClient) Status(ctx context.Context) error {
	return doClientRequest[statusResponse](ctx, c.port, http.MethodGet, "status")
}

func doClientRequest[T any](ctx context.Context, port int, method, path string) error {
	url := fmt.Sprintf("http://localhost:%d/%s", port, path)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(nil))
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	log.Ctx(ctx).Debugf("%s /%s", method, path)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer res.Body.Close()

	var resp T

	err = json.NewDecoder(res.Body).Decode(&resp)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}

	j := json.NewEncoder(os.Stdout)
	j.SetIndent("", "  ")
	err = j.Encode(resp)

	return errors.Wrap(err, "print response")
}
