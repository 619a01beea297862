package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateTicketConcurrentAllocation(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	const workers = 20
	var wg sync.WaitGroup
	results := make([]models.Ticket, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID: uuid.NewString(),
				Type:      models.TypeRegular,
				CreatedAt: time.Now().UTC(),
			})
			results[i] = ticket
			errs[i] = err
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	refs := make(map[string]bool)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("create ticket %d: %v", i, errs[i])
		}
		if seen[results[i].SequenceNumber] {
			t.Fatalf("duplicate sequence number %d", results[i].SequenceNumber)
		}
		seen[results[i].SequenceNumber] = true
		if refs[results[i].ReferenceCode] {
			t.Fatalf("duplicate reference code %s", results[i].ReferenceCode)
		}
		refs[results[i].ReferenceCode] = true
	}
	for seq := int64(1); seq <= workers; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d missing; allocation left a gap", seq)
		}
	}
}

func TestCreateTicketIdempotentByRequestID(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	requestID := uuid.NewString()
	first, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		Type:      models.TypePriority,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create")
	}

	second, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		Type:      models.TypePriority,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a second ticket")
	}
	if second.TicketID != first.TicketID || second.SequenceNumber != first.SequenceNumber {
		t.Fatalf("replay returned a different ticket: %+v vs %+v", second, first)
	}
}

func TestResetCounterRestartsDisplayNumbering(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	var last models.Ticket
	for i := 0; i < 3; i++ {
		ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
			RequestID: uuid.NewString(),
			Type:      models.TypeRegular,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("create ticket: %v", err)
		}
		last = ticket
	}
	if last.DisplayNumber != 3 {
		t.Fatalf("display before reset = %d, want 3", last.DisplayNumber)
	}

	checkpoint, err := st.ResetCounter(ctx, store.ManualResetInput{
		Type:    models.TypeRegular,
		ResetAt: now,
	})
	if err != nil {
		t.Fatalf("reset counter: %v", err)
	}
	if checkpoint.ResetAtSequence != 3 {
		t.Fatalf("checkpoint sequence = %d, want 3", checkpoint.ResetAtSequence)
	}

	after, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: uuid.NewString(),
		Type:      models.TypeRegular,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create after reset: %v", err)
	}
	if after.DisplayNumber != 1 {
		t.Fatalf("display after reset = %d, want 1", after.DisplayNumber)
	}
	if after.SequenceNumber != 4 {
		t.Fatalf("sequence after reset = %d, want 4; the raw counter never restarts", after.SequenceNumber)
	}
}

func TestExpireAssignmentReleasesAndRequeues(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: uuid.NewString(),
		Type:      models.TypeRegular,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	assignment, created, err := st.ClaimWindow(ctx, store.ClaimWindowInput{
		RequestID: uuid.NewString(),
		WindowID:  "window-1",
		StaffID:   "staff-1",
		ClaimedAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("claim window: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh claim")
	}

	if _, err := pool.Exec(ctx, `
		UPDATE tickets SET status = $2, window_id = $3, called_at = $4 WHERE ticket_id = $1
	`, ticket.TicketID, models.StatusInService, assignment.WindowID, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("move ticket in service: %v", err)
	}

	result, err := st.ExpireAssignment(ctx, assignment.AssignmentID, 30*time.Minute)
	if err != nil {
		t.Fatalf("expire assignment: %v", err)
	}
	if !result.Released {
		t.Fatalf("expected the expiry to win the claim")
	}
	if result.RequeuedTicket == nil || result.RequeuedTicket.TicketID != ticket.TicketID {
		t.Fatalf("expected ticket %s requeued, got %+v", ticket.TicketID, result.RequeuedTicket)
	}
	if result.RequeuedTicket.Status != models.StatusWaiting {
		t.Fatalf("requeued status = %s, want waiting", result.RequeuedTicket.Status)
	}
	if result.RequeuedTicket.WindowID != nil {
		t.Fatalf("requeued ticket still bound to window %q", *result.RequeuedTicket.WindowID)
	}

	// A duplicate firing sees the released row and does nothing.
	again, err := st.ExpireAssignment(ctx, assignment.AssignmentID, 30*time.Minute)
	if err != nil {
		t.Fatalf("duplicate expire: %v", err)
	}
	if again.Released || again.RequeuedTicket != nil {
		t.Fatalf("duplicate expire must be a no-op, got %+v", again)
	}

	if _, err := st.Heartbeat(ctx, assignment.AssignmentID, time.Now().UTC()); !errors.Is(err, store.ErrAssignmentReleased) {
		t.Fatalf("heartbeat after release = %v, want ErrAssignmentReleased", err)
	}
}

func TestExpireAssignmentKeepsFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	assignment, _, err := st.ClaimWindow(ctx, store.ClaimWindowInput{
		RequestID: uuid.NewString(),
		WindowID:  "window-2",
		StaffID:   "staff-2",
		ClaimedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("claim window: %v", err)
	}

	result, err := st.ExpireAssignment(ctx, assignment.AssignmentID, 30*time.Minute)
	if err != nil {
		t.Fatalf("expire assignment: %v", err)
	}
	if result.Released {
		t.Fatalf("a fresh assignment must not be released")
	}
	if result.FreshHeartbeat == nil {
		t.Fatalf("expected the fresh heartbeat back for re-arming")
	}
}

func TestClaimWindowRejectsBusyWindow(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if _, _, err := st.ClaimWindow(ctx, store.ClaimWindowInput{
		RequestID: uuid.NewString(),
		WindowID:  "window-3",
		StaffID:   "staff-3",
	}); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, _, err := st.ClaimWindow(ctx, store.ClaimWindowInput{
		RequestID: uuid.NewString(),
		WindowID:  "window-3",
		StaffID:   "staff-4",
	})
	if !errors.Is(err, store.ErrWindowBusy) {
		t.Fatalf("second claim = %v, want ErrWindowBusy", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	store := NewStore(pool, Options{MaxTicketNumber: 500})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return store, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
