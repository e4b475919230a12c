package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu          sync.Mutex
	records     map[model.Purpose]map[int64]*model.PendingRecord
	accounts    map[int64]*model.Account
	readErr     error
	updateErr   error
	expirations int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[model.Purpose]map[int64]*model.PendingRecord{
			model.PurposeRegistration: {},
			model.PurposeReset:        {},
		},
		accounts: map[int64]*model.Account{},
	}
}

func (s *fakeStore) addAccount(id int64, status model.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &model.Account{ID: id, Email: "a@example.com", Status: status}
}

func (s *fakeStore) addRecord(purpose model.Purpose, id, accountID int64, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[purpose][id] = &model.PendingRecord{
		ID:        id,
		AccountID: accountID,
		Purpose:   purpose,
		ExpiresAt: expiresAt,
		Status:    model.RecordValid,
	}
}

func (s *fakeStore) record(purpose model.Purpose, id int64) model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[purpose][id]
}

func (s *fakeStore) account(id int64) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *fakeStore) PendingRecord(_ context.Context, purpose model.Purpose, id int64) (*model.PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	r, ok := s.records[purpose][id]
	if !ok || r.Status != model.RecordValid {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) PendingAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	a, ok := s.accounts[id]
	if !ok || !a.Status.Pending() {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ExpireRegistration(_ context.Context, recordID, accountID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	r := s.records[model.PurposeRegistration][recordID]
	if r == nil || r.Status != model.RecordValid {
		return nil
	}
	r.Status = model.RecordInvalid
	if a := s.accounts[accountID]; a != nil && a.Status.Pending() {
		a.Status = model.AccountExpired
	}
	s.expirations++
	return nil
}

func (s *fakeStore) ExpireRecord(_ context.Context, purpose model.Purpose, recordID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	r := s.records[purpose][recordID]
	if r == nil || r.Status != model.RecordValid {
		return nil
	}
	r.Status = model.RecordInvalid
	s.expirations++
	return nil
}

func (s *fakeStore) MarkAwaiting(_ context.Context, accountID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if a := s.accounts[accountID]; a != nil && a.Status.Pending() {
		a.Status = model.AccountAwaiting
	}
	return nil
}

type sentMail struct {
	subject, address, body string
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMail
	attempts []sentMail
	failures int
	panics   bool
	// failAddress always fails delivery to one recipient.
	failAddress string
}

func (t *fakeTransport) Send(_ context.Context, subject, address, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := sentMail{subject, address, body}
	t.attempts = append(t.attempts, m)
	if t.panics {
		panic("connection reset")
	}
	if address == t.failAddress {
		return errors.New("smtp: 550 mailbox unavailable")
	}
	if t.failures > 0 {
		t.failures--
		return errors.New("smtp: 421 service not available")
	}
	t.sent = append(t.sent, m)
	return nil
}

func (t *fakeTransport) snapshot() (attempts, sent []sentMail) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMail(nil), t.attempts...), append([]sentMail(nil), t.sent...)
}

func registrationTask() Task {
	return Task{
		ID:        "task-1",
		Action:    ActionRegistration,
		AccountID: 1,
		RecordID:  10,
		Address:   "a@example.com",
		Subject:   "[CampusEvent] Verify Your Email Address",
		Body:      "code 123456",
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestProcessRegistrationDelivered(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(15*time.Minute))
	transport := &fakeTransport{}
	d := New(store, transport, Config{}, testLogger(), WithClock(clock.Fake(epoch)))

	if got := d.Process(context.Background(), registrationTask()); got != OutcomeDelivered {
		t.Fatalf("Process() = %v, want %v", got, OutcomeDelivered)
	}

	_, sent := transport.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].address != "a@example.com" || sent[0].body != "code 123456" {
		t.Errorf("sent = %+v", sent[0])
	}
	if got := store.account(1).Status; got != model.AccountAwaiting {
		t.Errorf("account status = %v, want %v", got, model.AccountAwaiting)
	}
	if got := store.record(model.PurposeRegistration, 10).Status; got != model.RecordValid {
		t.Errorf("record status = %v, want %v", got, model.RecordValid)
	}
}

func TestProcessRegistrationExpiredBeforeDelivery(t *testing.T) {
	clk := clock.Fake(epoch)
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Millisecond))
	transport := &fakeTransport{}
	d := New(store, transport, Config{}, testLogger(), WithClock(clk))

	clk.Advance(2 * time.Millisecond)

	if got := d.Process(context.Background(), registrationTask()); got != OutcomeExpired {
		t.Fatalf("Process() = %v, want %v", got, OutcomeExpired)
	}
	if got := store.record(model.PurposeRegistration, 10).Status; got != model.RecordInvalid {
		t.Errorf("record status = %v, want %v", got, model.RecordInvalid)
	}
	if got := store.account(1).Status; got != model.AccountExpired {
		t.Errorf("account status = %v, want %v", got, model.AccountExpired)
	}
	if attempts, _ := transport.snapshot(); len(attempts) != 0 {
		t.Errorf("transport called %d times, want 0", len(attempts))
	}

	// Popping the same task again must not apply the transition twice.
	if got := d.Process(context.Background(), registrationTask()); got != OutcomeDropped {
		t.Fatalf("second Process() = %v, want %v", got, OutcomeDropped)
	}
	if store.expirations != 1 {
		t.Errorf("expirations = %d, want 1", store.expirations)
	}
}

func TestProcessRegistrationExpiresAtBoundary(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountAwaiting)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch)
	d := New(store, &fakeTransport{}, Config{}, testLogger(), WithClock(clock.Fake(epoch)))

	if got := d.Process(context.Background(), registrationTask()); got != OutcomeExpired {
		t.Fatalf("Process() = %v, want %v", got, OutcomeExpired)
	}
}

func TestProcessDropped(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeStore)
		task  func() Task
	}{
		{
			name: "record missing",
			setup: func(s *fakeStore) {
				s.addAccount(1, model.AccountCreated)
			},
			task: registrationTask,
		},
		{
			name: "account already valid",
			setup: func(s *fakeStore) {
				s.addAccount(1, model.AccountValid)
				s.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
			},
			task: registrationTask,
		},
		{
			name: "record belongs to another account",
			setup: func(s *fakeStore) {
				s.addAccount(1, model.AccountCreated)
				s.addRecord(model.PurposeRegistration, 10, 2, epoch.Add(time.Hour))
			},
			task: registrationTask,
		},
		{
			name:  "unknown action",
			setup: func(*fakeStore) {},
			task: func() Task {
				task := registrationTask()
				task.Action = "invite"
				return task
			},
		},
		{
			name:  "missing address",
			setup: func(*fakeStore) {},
			task: func() Task {
				task := registrationTask()
				task.Address = ""
				return task
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			tt.setup(store)
			transport := &fakeTransport{}
			d := New(store, transport, Config{}, testLogger(), WithClock(clock.Fake(epoch)))

			if got := d.Process(context.Background(), tt.task()); got != OutcomeDropped {
				t.Fatalf("Process() = %v, want %v", got, OutcomeDropped)
			}
			if attempts, _ := transport.snapshot(); len(attempts) != 0 {
				t.Errorf("transport called %d times, want 0", len(attempts))
			}
		})
	}
}

func TestProcessRequeued(t *testing.T) {
	tests := []struct {
		name      string
		readErr   error
		updateErr error
		failures  int
		panics    bool
	}{
		{name: "store read error", readErr: errors.New("database is locked")},
		{name: "transport failure", failures: 1},
		{name: "transport panic", panics: true},
		{name: "post-send update failure", updateErr: errors.New("disk I/O error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.addAccount(1, model.AccountCreated)
			store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
			store.readErr = tt.readErr
			store.updateErr = tt.updateErr
			transport := &fakeTransport{failures: tt.failures, panics: tt.panics}
			d := New(store, transport, Config{}, testLogger(), WithClock(clock.Fake(epoch)))

			if got := d.Process(context.Background(), registrationTask()); got != OutcomeRequeued {
				t.Fatalf("Process() = %v, want %v", got, OutcomeRequeued)
			}
		})
	}
}

func TestProcessReset(t *testing.T) {
	clk := clock.Fake(epoch)
	store := newFakeStore()
	store.addAccount(1, model.AccountValid)
	store.addRecord(model.PurposeReset, 20, 1, epoch.Add(5*time.Minute))
	transport := &fakeTransport{}
	d := New(store, transport, Config{}, testLogger(), WithClock(clk))

	task := Task{
		ID:        "task-2",
		Action:    ActionReset,
		AccountID: 1,
		RecordID:  20,
		Address:   "a@example.com",
		Subject:   "[CampusEvent] Reset Password",
		Body:      "code 654321",
	}

	if got := d.Process(context.Background(), task); got != OutcomeDelivered {
		t.Fatalf("Process() = %v, want %v", got, OutcomeDelivered)
	}
	if got := store.account(1).Status; got != model.AccountValid {
		t.Errorf("account status = %v, want %v", got, model.AccountValid)
	}

	clk.Advance(5 * time.Minute)
	if got := d.Process(context.Background(), task); got != OutcomeExpired {
		t.Fatalf("Process() after expiry = %v, want %v", got, OutcomeExpired)
	}
	if got := store.record(model.PurposeReset, 20).Status; got != model.RecordInvalid {
		t.Errorf("record status = %v, want %v", got, model.RecordInvalid)
	}
	if got := store.account(1).Status; got != model.AccountValid {
		t.Errorf("account status = %v, want %v", got, model.AccountValid)
	}
	if _, sent := transport.snapshot(); len(sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(sent))
	}
}

type outcomeLog struct {
	mu      sync.Mutex
	tasks   []Task
	results []Outcome
	ch      chan Outcome
}

func newOutcomeLog() *outcomeLog {
	return &outcomeLog{ch: make(chan Outcome, 64)}
}

func (l *outcomeLog) record(task Task, outcome Outcome) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.results = append(l.results, outcome)
	l.mu.Unlock()
	l.ch <- outcome
}

func (l *outcomeLog) wait(t *testing.T, want Outcome) {
	t.Helper()
	for {
		select {
		case got := <-l.ch:
			if got == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for outcome %v", want)
		}
	}
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
	transport := &fakeTransport{failures: 2}
	outcomes := newOutcomeLog()
	d := New(store, transport, Config{RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	d.Start(context.Background())
	defer d.Stop()

	task := registrationTask()
	if id := d.Enqueue(task); id != task.ID {
		t.Fatalf("Enqueue() = %q, want %q", id, task.ID)
	}
	outcomes.wait(t, OutcomeDelivered)

	attempts, sent := transport.snapshot()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a != attempts[0] {
			t.Errorf("attempt %d payload = %+v, want %+v", i, a, attempts[0])
		}
	}
	if len(sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sent))
	}

	outcomes.mu.Lock()
	defer outcomes.mu.Unlock()
	want := []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeDelivered}
	if len(outcomes.results) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes.results, want)
	}
	for i := range want {
		if outcomes.results[i] != want[i] {
			t.Errorf("outcome %d = %v, want %v", i, outcomes.results[i], want[i])
		}
		if outcomes.tasks[i] != task {
			t.Errorf("task %d = %+v, want %+v", i, outcomes.tasks[i], task)
		}
	}
}

func TestDispatcherFailingTaskDoesNotDelayOthers(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 5; i++ {
		store.addAccount(i, model.AccountAwaiting)
		store.addRecord(model.PurposeReset, i*10, i, epoch.Add(time.Hour))
	}
	transport := &fakeTransport{failAddress: "bad@example.com"}
	outcomes := newOutcomeLog()
	d := New(store, transport, Config{RetryBase: time.Hour, RetryMax: time.Hour}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	for i := int64(1); i <= 5; i++ {
		task := registrationTask()
		task.ID = ""
		task.Action = ActionReset
		task.AccountID = i
		task.RecordID = i * 10
		task.Address = "bad@example.com"
		if i == 5 {
			task.Address = "good@example.com"
		}
		d.Enqueue(task)
	}

	d.Start(context.Background())
	start := time.Now()
	outcomes.wait(t, OutcomeDelivered)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("healthy task delivered after %v, want no retry delay", elapsed)
	}

	_, sent := transport.snapshot()
	if len(sent) != 1 || sent[0].address != "good@example.com" {
		t.Fatalf("sent = %+v, want only good@example.com", sent)
	}
	if d.Len() != 4 {
		t.Errorf("Len() = %d, want 4 tasks waiting to retry", d.Len())
	}

	d.Stop()
	if d.Len() != 4 {
		t.Errorf("Len() after Stop = %d, want 4", d.Len())
	}
}

func TestDispatcherRetriedTaskIsOvertaken(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
	store.addAccount(2, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 20, 2, epoch.Add(time.Hour))
	transport := &fakeTransport{failures: 1}
	outcomes := newOutcomeLog()
	d := New(store, transport, Config{RetryBase: 20 * time.Millisecond, RetryMax: 20 * time.Millisecond}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	first := registrationTask()
	first.Body = "first"
	d.Enqueue(first)
	second := registrationTask()
	second.ID = "task-2"
	second.AccountID = 2
	second.RecordID = 20
	second.Body = "second"
	d.Enqueue(second)

	d.Start(context.Background())
	defer d.Stop()
	outcomes.wait(t, OutcomeDelivered)
	outcomes.wait(t, OutcomeDelivered)

	_, sent := transport.snapshot()
	if len(sent) != 2 || sent[0].body != "second" || sent[1].body != "first" {
		t.Errorf("sent = %+v, want second then first", sent)
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}

func TestDispatcherAssignsTaskID(t *testing.T) {
	d := New(newFakeStore(), &fakeTransport{}, Config{}, testLogger())

	task := registrationTask()
	task.ID = ""
	id := d.Enqueue(task)
	if id == "" {
		t.Fatal("Enqueue() returned empty id")
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestDispatcherMaxAttempts(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
	transport := &fakeTransport{failures: 100}
	outcomes := newOutcomeLog()
	d := New(store, transport, Config{MaxAttempts: 3}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(registrationTask())
	outcomes.wait(t, OutcomeDead)

	if attempts, _ := transport.snapshot(); len(attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(attempts))
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}

func TestDispatcherProcessesInOrder(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 3; i++ {
		store.addAccount(i, model.AccountCreated)
		store.addRecord(model.PurposeRegistration, i*10, i, epoch.Add(time.Hour))
	}
	transport := &fakeTransport{}
	outcomes := newOutcomeLog()
	d := New(store, transport, Config{}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	for i := int64(1); i <= 3; i++ {
		task := registrationTask()
		task.ID = ""
		task.AccountID = i
		task.RecordID = i * 10
		task.Body = string(rune('a' + i))
		d.Enqueue(task)
	}

	d.Start(context.Background())
	defer d.Stop()
	for i := 0; i < 3; i++ {
		outcomes.wait(t, OutcomeDelivered)
	}

	_, sent := transport.snapshot()
	for i, m := range sent {
		if want := string(rune('a' + i + 1)); m.body != want {
			t.Errorf("sent[%d].body = %q, want %q", i, m.body, want)
		}
	}
}

func TestDispatcherRestartsAfterLoopPanic(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
	store.addAccount(2, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 20, 2, epoch.Add(time.Hour))

	outcomes := newOutcomeLog()
	var once sync.Once
	observer := func(task Task, outcome Outcome) {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("observer failed")
		}
		outcomes.record(task, outcome)
	}
	d := New(store, &fakeTransport{}, Config{}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(observer),
	)
	d.restartDelay = time.Millisecond

	d.Start(context.Background())
	defer d.Stop()

	first := registrationTask()
	d.Enqueue(first)
	second := registrationTask()
	second.ID = "task-2"
	second.AccountID = 2
	second.RecordID = 20
	d.Enqueue(second)

	outcomes.wait(t, OutcomeDelivered)
	if got := store.account(2).Status; got != model.AccountAwaiting {
		t.Errorf("account 2 status = %v, want %v", got, model.AccountAwaiting)
	}
}

func TestDispatcherStop(t *testing.T) {
	d := New(newFakeStore(), &fakeTransport{}, Config{RetryBase: time.Hour}, testLogger())
	d.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestDispatcherStopDuringBackoff(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, model.AccountCreated)
	store.addRecord(model.PurposeRegistration, 10, 1, epoch.Add(time.Hour))
	outcomes := newOutcomeLog()
	d := New(store, &fakeTransport{failures: 1}, Config{RetryBase: time.Hour}, testLogger(),
		WithClock(clock.Fake(epoch)),
		WithObserver(outcomes.record),
	)

	d.Start(context.Background())
	d.Enqueue(registrationTask())
	outcomes.wait(t, OutcomeRequeued)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while backing off")
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestStopWithoutStart(t *testing.T) {
	d := New(newFakeStore(), &fakeTransport{}, Config{}, testLogger())
	d.Stop()
}
