// Package sync tests for incremental delta serving.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/caredock/caresync/internal/access"
	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// openStore creates a sqlite store in a temporary directory.
func openStore(t *testing.T) store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "caresync_engine_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := store.OpenSQLite(tmpDir, nil)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		DefaultPageLimit:  100,
		MaxPageLimit:      500,
		MaxPages:          10,
		DeletionListLimit: 1000,
	}
}

// newEngine wires an engine with the provider serving as both gate and
// scope resolver.
func newEngine(s store.Store, p *access.StaticProvider) *Engine {
	return NewEngine(s, p, p, testSyncConfig())
}

// seedPatient creates one patient document and returns its id.
func seedPatient(t *testing.T, s store.Store, facility, name string) string {
	t.Helper()
	doc, err := s.Create(context.Background(), "patients", "", models.Document{
		"facility_id": facility,
		"name":        name,
	})
	if err != nil {
		t.Fatalf("Create(patients) failed: %v", err)
	}
	return doc.ID()
}

// tombstone writes a deletion log entry for the document and hard-deletes it.
func tombstone(t *testing.T, s store.Store, collection, id string) {
	t.Helper()
	ctx := context.Background()
	before, err := s.Get(ctx, collection, id)
	if err != nil {
		t.Fatalf("Get(%s/%s) failed: %v", collection, id, err)
	}
	entry := models.DeletionLogEntry{
		Collection:   collection,
		DocumentID:   id,
		OriginalData: before,
		DeletedBy:    "device-test",
		DeletedAt:    syncutil.Now(),
	}
	doc, err := models.ToDocument(entry)
	if err != nil {
		t.Fatalf("ToDocument() failed: %v", err)
	}
	if _, err := s.Create(ctx, models.CollectionDeletionLog, "", doc); err != nil {
		t.Fatalf("Create(deletion_log) failed: %v", err)
	}
	if err := s.Delete(ctx, collection, id); err != nil {
		t.Fatalf("Delete(%s/%s) failed: %v", collection, id, err)
	}
}

// documentIDs extracts the ids of a delta's documents.
func documentIDs(delta CollectionDelta) map[string]bool {
	ids := make(map[string]bool, len(delta.Documents))
	for _, doc := range delta.Documents {
		ids[doc.ID()] = true
	}
	return ids
}

// TestEngine_Delta_validation verifies request-level rejection.
func TestEngine_Delta_validation(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	cases := []struct {
		name string
		req  DeltaRequest
	}{
		{"missing deviceId", DeltaRequest{UserID: "user-001", Collections: []string{"patients"}}},
		{"missing userId", DeltaRequest{DeviceID: "device-001", Collections: []string{"patients"}}},
		{"missing collections", DeltaRequest{DeviceID: "device-001", UserID: "user-001"}},
		{"bad timestamp", DeltaRequest{
			DeviceID: "device-001", UserID: "user-001",
			Collections: []string{"patients"}, LastSyncTimestamp: "yesterday",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Delta(ctx, tc.req); !errors.Is(err, errors.ErrValidation) {
				t.Fatalf("Expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

// TestEngine_Delta_initialSync verifies an empty sync point returns the
// full visible dataset and no deletions.
func TestEngine_Delta_initialSync(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedPatient(t, s, "facility-001", "Patient")
	}

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	if !resp.Success {
		t.Error("Expected success response")
	}

	delta := resp.Results["patients"]
	if delta.Error != "" {
		t.Fatalf("Unexpected collection error: %s", delta.Error)
	}
	if len(delta.Documents) != 3 {
		t.Errorf("Expected 3 documents, got %d", len(delta.Documents))
	}
	if len(delta.DeletedIDs) != 0 {
		t.Errorf("Initial sync must not report deletions, got %v", delta.DeletedIDs)
	}
	if delta.NextCursor != "" {
		t.Errorf("Unexpected cursor %q", delta.NextCursor)
	}
}

// TestEngine_Delta_updatedSince verifies only documents modified after the
// sync point are returned.
func TestEngine_Delta_updatedSince(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	untouched := seedPatient(t, s, "facility-001", "Old Record")
	changed := seedPatient(t, s, "facility-001", "Changing Record")

	time.Sleep(2 * time.Millisecond)
	cutoff := syncutil.Now()
	time.Sleep(2 * time.Millisecond)

	if _, err := s.Update(ctx, "patients", changed, models.Document{
		"facility_id": "facility-001",
		"name":        "Changing Record",
		"status":      "discharged",
	}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	created := seedPatient(t, s, "facility-001", "New Record")

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:          "device-001",
		UserID:            "user-001",
		LastSyncTimestamp: cutoff,
		Collections:       []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}

	delta := resp.Results["patients"]
	ids := documentIDs(delta)
	if len(ids) != 2 {
		t.Fatalf("Expected 2 changed documents, got %d", len(ids))
	}
	if !ids[changed] || !ids[created] {
		t.Errorf("Expected %s and %s, got %v", changed, created, ids)
	}
	if ids[untouched] {
		t.Error("Unmodified document must not be included")
	}
}

// TestEngine_Delta_deletionPropagation verifies tombstoned ids reach
// clients whose sync point predates the deletion and stop appearing once
// it passes.
func TestEngine_Delta_deletionPropagation(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	seedPatient(t, s, "facility-001", "Survivor")
	doomed := seedPatient(t, s, "facility-001", "Doomed")

	time.Sleep(2 * time.Millisecond)
	cutoff := syncutil.Now()
	time.Sleep(2 * time.Millisecond)

	tombstone(t, s, "patients", doomed)

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:          "device-001",
		UserID:            "user-001",
		LastSyncTimestamp: cutoff,
		Collections:       []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}

	delta := resp.Results["patients"]
	if len(delta.DeletedIDs) != 1 || delta.DeletedIDs[0] != doomed {
		t.Errorf("Expected deletedIds [%s], got %v", doomed, delta.DeletedIDs)
	}
	if documentIDs(delta)[doomed] {
		t.Error("Deleted document must not appear in documents")
	}

	// A sync point after the deletion no longer reports it
	time.Sleep(2 * time.Millisecond)
	after := syncutil.Now()
	resp, err = e.Delta(ctx, DeltaRequest{
		DeviceID:          "device-001",
		UserID:            "user-001",
		LastSyncTimestamp: after,
		Collections:       []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	delta = resp.Results["patients"]
	if len(delta.DeletedIDs) != 0 {
		t.Errorf("Deletion must not reappear past its time, got %v", delta.DeletedIDs)
	}
	if len(delta.Documents) != 0 {
		t.Errorf("Expected no documents, got %d", len(delta.Documents))
	}
}

// TestEngine_Delta_facilityScope verifies scoped users only receive
// documents and deletions from their facilities.
func TestEngine_Delta_facilityScope(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("admin-001")
	p.Allow("nurse-001", []string{"patients"}, []string{"facility-001"})
	e := newEngine(s, p)
	ctx := context.Background()

	inA := seedPatient(t, s, "facility-001", "In Scope A")
	inB := seedPatient(t, s, "facility-001", "In Scope B")
	outC := seedPatient(t, s, "facility-002", "Out Of Scope")

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "nurse-001",
		Collections: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	ids := documentIDs(resp.Results["patients"])
	if len(ids) != 2 || !ids[inA] || !ids[inB] {
		t.Errorf("Expected exactly the in-scope documents, got %v", ids)
	}

	// Deletions inherit the scope: the nurse never learns about the
	// other facility's tombstone
	time.Sleep(2 * time.Millisecond)
	cutoff := syncutil.Now()
	time.Sleep(2 * time.Millisecond)
	tombstone(t, s, "patients", outC)
	tombstone(t, s, "patients", inB)

	resp, err = e.Delta(ctx, DeltaRequest{
		DeviceID:          "device-001",
		UserID:            "nurse-001",
		LastSyncTimestamp: cutoff,
		Collections:       []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	deleted := resp.Results["patients"].DeletedIDs
	if len(deleted) != 1 || deleted[0] != inB {
		t.Errorf("Expected deletedIds [%s], got %v", inB, deleted)
	}

	// The admin sees both tombstones
	resp, err = e.Delta(ctx, DeltaRequest{
		DeviceID:          "device-002",
		UserID:            "admin-001",
		LastSyncTimestamp: cutoff,
		Collections:       []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	if len(resp.Results["patients"].DeletedIDs) != 2 {
		t.Errorf("Expected 2 deletions for admin, got %v", resp.Results["patients"].DeletedIDs)
	}
}

// TestEngine_Delta_pagination verifies the page budget and cursor resume.
func TestEngine_Delta_pagination(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedPatient(t, s, "facility-001", "Patient")
	}

	// One page per call: walk the dataset via cursors
	seen := make(map[string]bool)
	cursor := ""
	calls := 0
	for {
		resp, err := e.Delta(ctx, DeltaRequest{
			DeviceID:    "device-001",
			UserID:      "user-001",
			Collections: []string{"patients"},
			PageLimit:   2,
			MaxPages:    1,
			PageCursor:  cursor,
		})
		if err != nil {
			t.Fatalf("Delta() failed: %v", err)
		}
		delta := resp.Results["patients"]
		for id := range documentIDs(delta) {
			if seen[id] {
				t.Errorf("Document %s returned twice", id)
			}
			seen[id] = true
		}
		calls++
		if delta.NextCursor == "" {
			break
		}
		cursor = delta.NextCursor
		if calls > 10 {
			t.Fatal("Cursor walk did not terminate")
		}
	}
	if len(seen) != 5 {
		t.Errorf("Expected 5 documents across calls, got %d", len(seen))
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls at 2 per page, got %d", calls)
	}

	// A budget of 2 pages consumes 4 documents server-side and hands
	// back the resume cursor
	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
		PageLimit:   2,
		MaxPages:    2,
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	delta := resp.Results["patients"]
	if len(delta.Documents) != 4 {
		t.Errorf("Expected 4 documents under a 2-page budget, got %d", len(delta.Documents))
	}
	if delta.NextCursor == "" {
		t.Error("Expected a resume cursor when the budget is exhausted")
	}

	// A budget covering everything drains in one call
	resp, err = e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
		PageLimit:   2,
		MaxPages:    5,
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	delta = resp.Results["patients"]
	if len(delta.Documents) != 5 || delta.NextCursor != "" {
		t.Errorf("Expected full drain, got %d documents, cursor %q", len(delta.Documents), delta.NextCursor)
	}
}

// TestEngine_Delta_permissionDenied verifies a denied collection degrades
// to an error marker without affecting the others.
func TestEngine_Delta_permissionDenied(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.Allow("reception-001", []string{"appointments"}, nil)
	e := newEngine(s, p)
	ctx := context.Background()

	seedPatient(t, s, "facility-001", "Hidden")
	if _, err := s.Create(ctx, "appointments", "", models.Document{
		"facility_id": "facility-001",
		"time":        "09:00",
	}); err != nil {
		t.Fatalf("Create(appointments) failed: %v", err)
	}

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "reception-001",
		Collections: []string{"patients", "appointments"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}

	denied := resp.Results["patients"]
	if denied.Error == "" || denied.Code != string(errors.ErrPermission) {
		t.Errorf("Expected PERMISSION_DENIED marker, got error=%q code=%q", denied.Error, denied.Code)
	}
	if len(denied.Documents) != 0 {
		t.Error("Denied collection must not carry documents")
	}

	granted := resp.Results["appointments"]
	if granted.Error != "" {
		t.Errorf("Granted collection failed: %s", granted.Error)
	}
	if len(granted.Documents) != 1 {
		t.Errorf("Expected 1 appointment, got %d", len(granted.Documents))
	}
}

// TestEngine_Delta_reservedCollection verifies internal log collections
// cannot be synced.
func TestEngine_Delta_reservedCollection(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)

	resp, err := e.Delta(context.Background(), DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{models.CollectionSyncOperations},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	delta := resp.Results[models.CollectionSyncOperations]
	if delta.Code != string(errors.ErrValidation) {
		t.Errorf("Expected VALIDATION_ERROR marker, got %q", delta.Code)
	}
}

// listFailStore fails every List on one collection.
type listFailStore struct {
	store.Store
	collection string
}

func (f *listFailStore) List(ctx context.Context, collection string, q store.Query) (*store.Page, error) {
	if collection == f.collection {
		return nil, errors.New(errors.ErrStore, "simulated listing failure")
	}
	return f.Store.List(ctx, collection, q)
}

var _ store.Store = (*listFailStore)(nil)

// TestEngine_Delta_collectionFailureIsolated verifies one collection's
// store failure leaves the others served and the log row partial.
func TestEngine_Delta_collectionFailureIsolated(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	failing := &listFailStore{Store: s, collection: "observations"}
	e := newEngine(failing, p)
	ctx := context.Background()

	seedPatient(t, s, "facility-001", "Fine")

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"observations", "patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}

	broken := resp.Results["observations"]
	if broken.Error == "" || broken.Code != string(errors.ErrStore) {
		t.Errorf("Expected STORE_ERROR marker, got error=%q code=%q", broken.Error, broken.Code)
	}
	if len(resp.Results["patients"].Documents) != 1 {
		t.Error("Healthy collection must still be served")
	}

	// The summary row records the partial outcome
	page, err := s.List(ctx, models.CollectionSyncOperations, store.NewQuery())
	if err != nil {
		t.Fatalf("List(sync_operations) failed: %v", err)
	}
	if len(page.Documents) != 1 {
		t.Fatalf("Expected 1 operation log row, got %d", len(page.Documents))
	}
	var entry models.SyncOperationLog
	if err := models.FromDocument(page.Documents[0], &entry); err != nil {
		t.Fatalf("FromDocument() failed: %v", err)
	}
	if entry.Status != models.LogStatusPartial {
		t.Errorf("Expected partial status, got %q", entry.Status)
	}
	if entry.DeviceID != "device-001" || entry.Documents != 1 {
		t.Errorf("Unexpected log entry: %+v", entry)
	}
}

// logRefusingStore fails creates on the operation log collection.
type logRefusingStore struct {
	store.Store
}

func (f *logRefusingStore) Create(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	if collection == models.CollectionSyncOperations {
		return nil, errors.New(errors.ErrStore, "log store offline")
	}
	return f.Store.Create(ctx, collection, id, data)
}

var _ store.Store = (*logRefusingStore)(nil)

// TestEngine_Delta_logWriteFailureSwallowed verifies a failed summary
// write never fails the sync.
func TestEngine_Delta_logWriteFailureSwallowed(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(&logRefusingStore{Store: s}, p)

	seedPatient(t, s, "facility-001", "Patient")

	resp, err := e.Delta(context.Background(), DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() must not fail on a log write failure: %v", err)
	}
	if len(resp.Results["patients"].Documents) != 1 {
		t.Error("Expected the document despite the log failure")
	}
}

// TestEngine_Delta_compression verifies the compressed payload decodes to
// the same results object.
func TestEngine_Delta_compression(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	seedPatient(t, s, "facility-001", "Amara Okafor-Eze")
	seedPatient(t, s, "facility-002", "Kwame Mensah")

	resp, err := e.Delta(ctx, DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
		Compress:    true,
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	if resp.CompressedResults == "" {
		t.Fatal("Expected compressedResults")
	}
	if len(resp.Results["patients"].Documents) != 2 {
		t.Error("Plain results must be present alongside the compressed form")
	}

	var decoded map[string]CollectionDelta
	if err := syncutil.DecompressJSON(resp.CompressedResults, &decoded); err != nil {
		t.Fatalf("DecompressJSON() failed: %v", err)
	}
	want, err := json.Marshal(resp.Results)
	if err != nil {
		t.Fatalf("Marshal(results) failed: %v", err)
	}
	got, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("Marshal(decoded) failed: %v", err)
	}
	if string(want) != string(got) {
		t.Errorf("Compressed round-trip diverged:\nwant %s\ngot  %s", want, got)
	}
}

// noFacilityScope reports a user restricted to zero facilities.
type noFacilityScope struct{}

func (noFacilityScope) FacilityScope(ctx context.Context, userID string) (access.Scope, error) {
	return access.Scope{}, nil
}

// TestEngine_Delta_emptyScope verifies a user with no facilities gets an
// empty result, not an error and not the full dataset.
func TestEngine_Delta_emptyScope(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := NewEngine(s, p, noFacilityScope{}, testSyncConfig())

	seedPatient(t, s, "facility-001", "Invisible")

	resp, err := e.Delta(context.Background(), DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("Delta() failed: %v", err)
	}
	delta := resp.Results["patients"]
	if delta.Error != "" {
		t.Fatalf("Empty scope is not an error: %s", delta.Error)
	}
	if len(delta.Documents) != 0 {
		t.Errorf("Expected no documents, got %d", len(delta.Documents))
	}
}

// failingScope simulates the permission service being unreachable.
type failingScope struct{}

func (failingScope) FacilityScope(ctx context.Context, userID string) (access.Scope, error) {
	return access.Scope{}, stderrors.New("directory unavailable")
}

// TestEngine_Delta_scopeFailureAborts verifies the whole request fails
// when the facility scope cannot be resolved.
func TestEngine_Delta_scopeFailureAborts(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := NewEngine(s, p, failingScope{}, testSyncConfig())

	_, err := e.Delta(context.Background(), DeltaRequest{
		DeviceID:    "device-001",
		UserID:      "user-001",
		Collections: []string{"patients"},
	})
	if !errors.Is(err, errors.ErrPermission) {
		t.Fatalf("Expected PERMISSION_DENIED, got %v", err)
	}
}

// TestEngine_Delta_operationLog verifies one summary row per invocation.
func TestEngine_Delta_operationLog(t *testing.T) {
	s := openStore(t)
	p := access.NewStaticProvider()
	p.AllowAll("user-001")
	e := newEngine(s, p)
	ctx := context.Background()

	seedPatient(t, s, "facility-001", "Patient")

	for i := 0; i < 2; i++ {
		if _, err := e.Delta(ctx, DeltaRequest{
			DeviceID:    "device-001",
			UserID:      "user-001",
			Collections: []string{"patients"},
		}); err != nil {
			t.Fatalf("Delta() failed: %v", err)
		}
	}

	page, err := s.List(ctx, models.CollectionSyncOperations, store.NewQuery())
	if err != nil {
		t.Fatalf("List(sync_operations) failed: %v", err)
	}
	if len(page.Documents) != 2 {
		t.Fatalf("Expected 2 operation log rows, got %d", len(page.Documents))
	}
	var entry models.SyncOperationLog
	if err := models.FromDocument(page.Documents[0], &entry); err != nil {
		t.Fatalf("FromDocument() failed: %v", err)
	}
	if entry.Status != models.LogStatusCompleted {
		t.Errorf("Expected completed status, got %q", entry.Status)
	}
	if entry.Documents != 1 || entry.Deletions != 0 {
		t.Errorf("Unexpected counts: %+v", entry)
	}
	if len(entry.Collections) != 1 || entry.Collections[0] != "patients" {
		t.Errorf("Unexpected collections: %v", entry.Collections)
	}
}
