package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
	"github.com/cuongbtq/slicer-worker/internal/worker/slicer"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records receive calls across queues in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeQueue struct {
	mu         sync.Mutex
	desc       queue.Descriptor
	log        *callLog
	pending    []queue.Message
	receiveErr error
	extendErr  error
	deleted    []string
	requeued   []string
	extended   [][]string
	nextHandle int
}

func newFakeQueue(p queue.Priority, log *callLog) *fakeQueue {
	return &fakeQueue{
		desc: queue.Descriptor{Name: "slicing-" + p.String(), Address: p.String(), Priority: p, MaxBatch: 10},
		log:  log,
	}
}

func (q *fakeQueue) push(bodies ...string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	handles := make([]string, 0, len(bodies))
	for _, body := range bodies {
		q.nextHandle++
		handle := fmt.Sprintf("%s-%d", q.desc.Priority, q.nextHandle)
		q.pending = append(q.pending, queue.Message{Handle: handle, Body: []byte(body), Priority: q.desc.Priority})
		handles = append(handles, handle)
	}
	return handles
}

func (q *fakeQueue) Descriptor() queue.Descriptor { return q.desc }

func (q *fakeQueue) Receive(_ context.Context, max int) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.log != nil {
		q.log.add(fmt.Sprintf("%s:%d", q.desc.Priority, max))
	}
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}

	n := min(max, len(q.pending), q.desc.MaxBatch)
	out := append([]queue.Message(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, handle)
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, handle)
	return nil
}

func (q *fakeQueue) ExtendVisibility(_ context.Context, handles []string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, append([]string(nil), handles...))
	return q.extendErr
}

func (q *fakeQueue) snapshot() (deleted, requeued []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...), append([]string(nil), q.requeued...)
}

// fakeStore is an in-memory JobStore. A record is removed when a write with
// cancelAt status arrives, as if the job was deleted upstream meanwhile.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*domain.JobRecord
	history  map[string][]domain.Slicing
	cancelAt domain.SlicingStatus
	failAt   domain.SlicingStatus
	cleared  int
}

func newFakeStore(oids ...string) *fakeStore {
	s := &fakeStore{
		records: make(map[string]*domain.JobRecord),
		history: make(map[string][]domain.Slicing),
	}
	for _, oid := range oids {
		s.records[oid] = &domain.JobRecord{OID: oid}
	}
	return s
}

func (s *fakeStore) UpdateSlicing(_ context.Context, oid string, slicing domain.Slicing, gcodeFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelAt != 0 && slicing.Status == s.cancelAt {
		delete(s.records, oid)
	}
	record, ok := s.records[oid]
	if !ok {
		return domain.ErrJobCanceled
	}
	if s.failAt != 0 && slicing.Status == s.failAt {
		return errors.New("connection reset")
	}

	record.Slicing = &slicing
	if slicing.Status == domain.StatusDone {
		record.GCodeFile = gcodeFile
	}
	s.history[oid] = append(s.history[oid], slicing)
	return nil
}

func (s *fakeStore) ClearSlicing(_ context.Context, oid, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[oid]
	if !ok {
		return domain.ErrJobCanceled
	}
	s.cleared++
	cleared := domain.NewSlicing(jobID, domain.StatusCleared, nil)
	record.Slicing = &cleared
	record.GCodeFile = ""
	return nil
}

func (s *fakeStore) GetJobRecord(_ context.Context, oid string) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[oid]
	if !ok {
		return nil, domain.ErrJobCanceled
	}
	cp := *record
	return &cp, nil
}

func (s *fakeStore) statuses(oid string) []domain.SlicingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SlicingStatus
	for _, h := range s.history[oid] {
		out = append(out, h.Status)
	}
	return out
}

func (s *fakeStore) last(oid string) domain.Slicing {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[oid]
	if len(h) == 0 {
		return domain.Slicing{}
	}
	return h[len(h)-1]
}

func (s *fakeStore) record(oid string) (domain.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[oid]
	if !ok {
		return domain.JobRecord{}, false
	}
	return *r, true
}

// fakeObjects writes downloaded files and remembers uploads.
type fakeObjects struct {
	mu          sync.Mutex
	downloads   []string
	uploads     map[string]string
	downloadErr error
	uploadErr   error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: make(map[string]string)}
}

func (o *fakeObjects) Download(_ context.Context, bucket, key, localPath string) error {
	o.mu.Lock()
	o.downloads = append(o.downloads, bucket+"/"+key)
	err := o.downloadErr
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte("object:"+key), 0o644)
}

func (o *fakeObjects) Upload(_ context.Context, localPath, bucket, key string) error {
	if o.uploadErr != nil {
		return o.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads[bucket+"/"+key] = string(data)
	return nil
}

func (o *fakeObjects) downloadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.downloads)
}

// fakeSlicer concatenates the inputs into the output file.
type fakeSlicer struct {
	mu    sync.Mutex
	calls int
	err   error
	// gate, when set, holds every run until it is closed
	gate chan struct{}
}

func (s *fakeSlicer) Run(_ context.Context, paths slicer.Paths) (string, error) {
	s.mu.Lock()
	s.calls++
	err, gate := s.err, s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if err != nil {
		return "", err
	}

	stl, err := os.ReadFile(paths.STL)
	if err != nil {
		return "", err
	}
	cfg, err := os.ReadFile(paths.Config)
	if err != nil {
		return "", err
	}
	return "ok", os.WriteFile(paths.GCode, append(stl, cfg...), 0o644)
}

func (s *fakeSlicer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyPrint(ctx context.Context, job *domain.Job) error {
	return m.Called(ctx, job).Error(0)
}

// fakeBroker hands out deliveries in order and records how each was settled.
type fakeBroker struct {
	mu      sync.Mutex
	pending [][]byte
	nextTag uint64
	got     []uint64
	acked   []uint64
	nacked  []uint64
}

func (b *fakeBroker) publish(bodies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, body := range bodies {
		b.pending = append(b.pending, []byte(body))
	}
}

func (b *fakeBroker) Get(string) (amqp.Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	b.nextTag++
	d := amqp.Delivery{DeliveryTag: b.nextTag, Body: b.pending[0]}
	b.pending = b.pending[1:]
	b.got = append(b.got, d.DeliveryTag)
	return d, true, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.nacked = append(b.nacked, tag)
	}
	return nil
}

func (b *fakeBroker) IsConnected() bool { return true }

// unsettled returns the delivery tags that were neither acked nor nacked.
func (b *fakeBroker) unsettled() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	settled := make(map[uint64]bool)
	for _, tag := range append(append([]uint64(nil), b.acked...), b.nacked...) {
		settled[tag] = true
	}
	var out []uint64
	for _, tag := range b.got {
		if !settled[tag] {
			out = append(out, tag)
		}
	}
	return out
}

func (b *fakeBroker) settled() (acked, nacked []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...), append([]uint64(nil), b.nacked...)
}

type testEnv struct {
	worker   *Worker
	high     *fakeQueue
	low      *fakeQueue
	store    *fakeStore
	objects  *fakeObjects
	slicer   *fakeSlicer
	notifier *mockNotifier
	workDir  string
}

func newTestEnv(t *testing.T, maxConcurrent int, oids ...string) *testEnv {
	t.Helper()

	log := &callLog{}
	env := &testEnv{
		high:     newFakeQueue(queue.High, log),
		low:      newFakeQueue(queue.Low, log),
		store:    newFakeStore(oids...),
		objects:  newFakeObjects(),
		slicer:   &fakeSlicer{},
		notifier: &mockNotifier{},
		workDir:  t.TempDir(),
	}

	env.worker = env.newWorker(env.high, env.low, maxConcurrent)
	return env
}

// newRabbitTestEnv is newTestEnv with HIGH served by a RabbitMQ queue over broker.
func newRabbitTestEnv(t *testing.T, maxConcurrent int, oids ...string) (*testEnv, *fakeBroker) {
	t.Helper()

	env := newTestEnv(t, maxConcurrent, oids...)
	broker := &fakeBroker{}
	high := queue.NewRabbit(broker, queue.Descriptor{Name: "slicing-high", Address: "slicing-high", Priority: queue.High, MaxBatch: 10})
	env.worker = env.newWorker(high, env.low, maxConcurrent)
	return env, broker
}

func (e *testEnv) newWorker(high, low queue.Queue, maxConcurrent int) *Worker {
	return NewWorker(&Config{
		Logger:             discardLogger(),
		Metrics:            metrics.New(),
		High:               high,
		Low:                low,
		Store:              e.store,
		Objects:            e.objects,
		Slicer:             e.slicer,
		Notifier:           e.notifier,
		WorkDir:            e.workDir,
		MaxConcurrent:      maxConcurrent,
		MaxSuccessiveHigh:  3,
		PollInterval:       10 * time.Millisecond,
		LeaseRenewInterval: 20 * time.Millisecond,
		LeaseExtension:     time.Minute,
	})
}

func jobBody(jobID, oid string, requestType *int) string {
	rt := ""
	if requestType != nil {
		rt = fmt.Sprintf(`,"request_type":%d`, *requestType)
	}
	return fmt.Sprintf(`{"job_id":%q,"job_oid":%q,"stl_file":"https://store/models/%[1]s.stl","config_file":"https://store/configs/%[1]s.ini","gcode_file":"https://store/gcodes/%[1]s.gcode"%[3]s}`,
		jobID, oid, rt)
}

func intPtr(v int) *int { return &v }

func workDirEmpty(t *testing.T, dir string) bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	return len(entries) == 0
}
