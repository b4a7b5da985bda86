package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ereuse/workbench-server/internal/metrics"
	"github.com/ereuse/workbench-server/pkg/snapshot"
)

// Config tunes the submitter. Zero values fall back to the defaults.
type Config struct {
	// Backoff is the fixed pause between attempts while DeviceHub is
	// unreachable or unconfigured.
	Backoff time.Duration

	// Timeout bounds a single submit attempt.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// HTTPError is a DeviceHub response with an error status. Any such response
// is a permanent rejection of the payload; the submitter quarantines the
// snapshot instead of retrying.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("devicehub returned %d", e.StatusCode)
}

// Submitter drains the delivery queue with a single worker, preserving the
// order records became ready. Transport failures hold the head job and retry
// it after a fixed backoff; nothing behind it is attempted until it reaches a
// terminal outcome.
type Submitter struct {
	store   *snapshot.Store
	archive *snapshot.Archive
	conn    *Connection
	cfg     Config
	q       *fifo
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger

	linkRequired func() bool

	attempts atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a submitter wired to the given store, archive and connection
// settings. linkRequired reports the current link policy so terminal
// outcomes can recompute the record's phase.
func New(store *snapshot.Store, archive *snapshot.Archive, conn *Connection, linkRequired func() bool, cfg Config, log *zap.Logger) *Submitter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if linkRequired == nil {
		linkRequired = func() bool { return true }
	}
	return &Submitter{
		store:        store,
		archive:      archive,
		conn:         conn,
		cfg:          cfg,
		q:            newFIFO(),
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Every(cfg.Backoff), 1),
		log:          log,
		linkRequired: linkRequired,
	}
}

// Start launches the worker goroutine.
func (s *Submitter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop shuts the worker down. In-flight and queued jobs are abandoned; their
// staging copies remain on disk for the next startup rescan.
func (s *Submitter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.q.close()
	s.wg.Wait()
}

// Enqueue stages the job on disk and appends it to the queue. Staging
// failures are logged but do not block delivery.
func (s *Submitter) Enqueue(job Job) {
	if _, err := s.archive.WriteUnfinished(job.HID, job.Payload); err != nil {
		s.log.Warn("stage snapshot for delivery",
			zap.String("uuid", job.ID.String()), zap.Error(err))
	}
	metrics.QueueDepth.Inc()
	s.q.push(job)
}

// Rescan re-enqueues staged payloads left over from a previous run, oldest
// first. Entries without a parseable uuid are skipped and logged; their
// files stay in place for manual inspection.
func (s *Submitter) Rescan() error {
	staged, err := s.archive.Unfinished()
	if err != nil {
		return err
	}
	for _, st := range staged {
		var head struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(st.Payload, &head); err != nil {
			s.log.Warn("skip unreadable staged snapshot", zap.String("hid", st.HID), zap.Error(err))
			continue
		}
		id, err := uuid.Parse(head.UUID)
		if err != nil {
			s.log.Warn("skip staged snapshot without uuid", zap.String("hid", st.HID))
			continue
		}
		s.log.Info("requeue staged snapshot",
			zap.String("uuid", id.String()), zap.String("hid", st.HID))
		metrics.QueueDepth.Inc()
		s.q.push(Job{ID: id, HID: st.HID, Payload: st.Payload})
	}
	return nil
}

// Attempts returns the total number of submit attempts this process made.
func (s *Submitter) Attempts() int {
	return int(s.attempts.Load())
}

// Pending returns the number of jobs waiting in the queue.
func (s *Submitter) Pending() int {
	return s.q.len()
}

func (s *Submitter) run(ctx context.Context) {
	for {
		job, ok := s.q.pop(ctx)
		if !ok {
			return
		}
		s.process(ctx, job)
	}
}

// process drives one job to a terminal outcome. The job stays at the head of
// the line while DeviceHub is unconfigured or unreachable.
func (s *Submitter) process(ctx context.Context, job Job) {
	for {
		target, ok := s.conn.Target()
		if !ok {
			s.log.Debug("no devicehub configured, holding delivery",
				zap.String("uuid", job.ID.String()))
			if !sleepCtx(ctx, s.cfg.Backoff) {
				return
			}
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		s.attempts.Add(1)
		metrics.DeliveryAttempts.Inc()
		id, err := s.post(ctx, target, job.Payload)
		if err == nil {
			s.complete(job, id)
			return
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			s.quarantine(job, httpErr)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("devicehub unreachable, will retry",
			zap.String("uuid", job.ID.String()),
			zap.Duration("backoff", s.cfg.Backoff),
			zap.Error(err))
	}
}

// post submits the payload and returns the id DeviceHub assigned. A response
// with an error status comes back as *HTTPError; any other failure is a
// transport problem.
func (s *Submitter) post(ctx context.Context, target Target, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	url := target.Base + "/" + target.DB + "/snapshots/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if target.Auth != "" {
		req.Header.Set("Authorization", target.AuthHeader())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err == nil {
		if v, ok := result["id"]; ok && v != nil {
			return fmt.Sprint(v), nil
		}
		if v, ok := result["_id"]; ok && v != nil {
			return fmt.Sprint(v), nil
		}
	}
	return "", nil
}

func (s *Submitter) complete(job Job, id string) {
	metrics.SnapshotsDelivered.Inc()
	metrics.QueueDepth.Dec()
	s.log.Info("snapshot delivered",
		zap.String("uuid", job.ID.String()),
		zap.String("hid", job.HID),
		zap.String("devicehub_id", id))

	doc := s.terminalDoc(job, func(rec *snapshot.Record) {
		rec.UploadedID = id
		if id == "" {
			rec.UploadedID = job.ID.String()
		}
		if id != "" {
			rec.Extra["id"] = json.RawMessage(strconv.Quote(id))
		}
	})
	if id != "" {
		doc["id"] = id
	}
	if _, err := s.archive.WriteDelivered(job.HID, doc); err != nil {
		s.log.Error("archive delivered snapshot", zap.String("hid", job.HID), zap.Error(err))
	}
	s.archive.RemoveUnfinished(job.HID)
}

func (s *Submitter) quarantine(job Job, httpErr *HTTPError) {
	metrics.SnapshotsQuarantined.Inc()
	metrics.QueueDepth.Dec()
	s.log.Error("devicehub rejected snapshot",
		zap.String("uuid", job.ID.String()),
		zap.String("hid", job.HID),
		zap.Int("status", httpErr.StatusCode))

	backendErr := rawError(httpErr.Body)
	doc := s.terminalDoc(job, func(rec *snapshot.Record) {
		rec.Error = backendErr
	})
	if _, err := s.archive.WriteFailed(job.HID, doc, backendErr); err != nil {
		s.log.Error("quarantine snapshot", zap.String("hid", job.HID), zap.Error(err))
	}
	s.archive.RemoveUnfinished(job.HID)
}

// terminalDoc applies the terminal mutation to the live record and returns
// the document to archive. When the record is gone (a rescanned job after a
// restart) the frozen payload stands in.
func (s *Submitter) terminalDoc(job Job, mutate func(*snapshot.Record)) map[string]any {
	var doc map[string]any
	err := s.store.Mutate(job.ID, func(rec *snapshot.Record) error {
		mutate(rec)
		rec.ClearQueued()
		rec.Reindex(s.linkRequired())
		doc = rec.ClientView()
		return nil
	})
	if err == nil {
		return doc
	}
	if !errors.Is(err, snapshot.ErrNotFound) {
		s.log.Error("update record after delivery", zap.String("uuid", job.ID.String()), zap.Error(err))
	}
	doc = map[string]any{}
	if err := json.Unmarshal(job.Payload, &doc); err != nil {
		doc = map[string]any{"uuid": job.ID.String()}
	}
	return doc
}

// rawError normalizes a backend error body to JSON: parsed as-is when valid,
// quoted as a string otherwise.
func rawError(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(string(body))
	return json.RawMessage(b)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
