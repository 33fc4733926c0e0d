package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/config"
	"github.com/matheus3301/jab/ingest"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
)

var (
	account = xmpp.MustParseJID("me@example.com")
	peer    = xmpp.MustParseJID("peer@example.com")
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeQuerier serves canned pages keyed by the paging cursor.
type fakeQuerier struct {
	pages map[string]*xmpp.ArchivePage
	err   error

	queries []query
}

type query struct {
	afterID string
	max     int
	start   time.Time
}

func (q *fakeQuerier) QueryArchive(_ context.Context, _ xmpp.JID, start time.Time, afterID string, max int) (*xmpp.ArchivePage, error) {
	q.queries = append(q.queries, query{afterID: afterID, max: max, start: start})
	if q.err != nil {
		return nil, q.err
	}
	page, ok := q.pages[afterID]
	if !ok {
		return &xmpp.ArchivePage{Complete: true}, nil
	}
	return page, nil
}

func item(id, body string, ts int64) xmpp.ArchiveItem {
	return xmpp.ArchiveItem{
		Account: account,
		Message: &xmpp.Message{
			ID: id, From: peer, To: account, Body: body,
		},
		Timestamp: time.UnixMilli(ts),
	}
}

func testCoordinator(db *store.DB, q xmpp.ArchiveQuerier, b *bus.Bus, cfg config.ArchiveConfig) *Coordinator {
	pipeline := ingest.NewPipeline(db, nil, nil, b, false, nil)
	return NewCoordinator(db, q, pipeline, b, cfg, nil)
}

func TestSyncPaginates(t *testing.T) {
	db := testDB(t)
	q := &fakeQuerier{pages: map[string]*xmpp.ArchivePage{
		"": {
			Items:  []xmpp.ArchiveItem{item("m1", "one", 1000), item("m2", "two", 2000)},
			LastID: "m2",
		},
		"m2": {
			Items:    []xmpp.ArchiveItem{item("m3", "three", 3000)},
			Complete: true,
		},
	}}
	b := bus.NewBus()
	c := testCoordinator(db, q, b, config.ArchiveConfig{PageSize: 2})

	finished, unsub := b.Subscribe("sync.finished", 1)
	defer unsub()

	if err := c.SyncSince(context.Background(), account, time.UnixMilli(0)); err != nil {
		t.Fatal(err)
	}

	items, err := db.ListHistory(account.String(), peer.String(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for _, it := range items {
		if it.State != store.StateIncoming {
			t.Errorf("replayed item unread: %+v", it)
		}
	}

	if len(q.queries) != 2 || q.queries[1].afterID != "m2" || q.queries[0].max != 2 {
		t.Errorf("queries = %+v", q.queries)
	}

	select {
	case evt := <-finished:
		fin := evt.Payload.(SyncFinished)
		if fin.Items != 3 || fin.Err != nil {
			t.Errorf("finished = %+v", fin)
		}
	default:
		t.Error("no completion published")
	}

	// Checkpoint recorded.
	if v, _ := db.GetSyncState(account.String(), lastSyncKey); v == "" {
		t.Error("no sync checkpoint stored")
	}
}

func TestSyncRepeatIsIdempotent(t *testing.T) {
	db := testDB(t)
	q := &fakeQuerier{pages: map[string]*xmpp.ArchivePage{
		"": {
			Items:    []xmpp.ArchiveItem{item("m1", "one", 1000)},
			Complete: true,
		},
	}}
	b := bus.NewBus()
	c := testCoordinator(db, q, b, config.ArchiveConfig{})

	for i := 0; i < 2; i++ {
		if err := c.SyncSince(context.Background(), account, time.UnixMilli(0)); err != nil {
			t.Fatal(err)
		}
	}

	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if len(items) != 1 {
		t.Errorf("replay duplicated history: %+v", items)
	}
}

func TestSyncErrorAbortsAndReports(t *testing.T) {
	db := testDB(t)
	wantErr := errors.New("item-not-found")
	q := &fakeQuerier{err: wantErr}
	b := bus.NewBus()
	c := testCoordinator(db, q, b, config.ArchiveConfig{})

	finished, unsub := b.Subscribe("sync.finished", 1)
	defer unsub()

	if err := c.SyncSince(context.Background(), account, time.UnixMilli(0)); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	select {
	case evt := <-finished:
		fin := evt.Payload.(SyncFinished)
		if !errors.Is(fin.Err, wantErr) {
			t.Errorf("finished = %+v", fin)
		}
	default:
		t.Error("aborted run did not publish completion")
	}

	if v, _ := db.GetSyncState(account.String(), lastSyncKey); v != "" {
		t.Error("aborted run stored a checkpoint")
	}
}

func TestSyncStartBoundedByLookback(t *testing.T) {
	db := testDB(t)
	q := &fakeQuerier{}
	c := testCoordinator(db, q, bus.NewBus(), config.ArchiveConfig{LookbackHours: 24})

	if err := c.Sync(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	if len(q.queries) != 1 {
		t.Fatalf("queries = %+v", q.queries)
	}
	lower := time.Now().Add(-25 * time.Hour)
	upper := time.Now().Add(-23 * time.Hour)
	if got := q.queries[0].start; got.Before(lower) || got.After(upper) {
		t.Errorf("start = %v, want about 24h ago", got)
	}
}

func TestSyncStartsFromNewestStoredItem(t *testing.T) {
	db := testDB(t)
	stored := time.Now().Add(-1 * time.Hour).UnixMilli()
	if _, _, err := db.AppendHistory(&store.HistoryItem{
		Account: account.String(), JID: peer.String(), StanzaID: "old",
		State: store.StateIncoming, Kind: store.KindMessage,
		Encryption: store.EncryptionNone, Body: "old", Timestamp: stored,
	}); err != nil {
		t.Fatal(err)
	}

	q := &fakeQuerier{}
	c := testCoordinator(db, q, bus.NewBus(), config.ArchiveConfig{LookbackHours: 72})

	if err := c.Sync(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	if got := q.queries[0].start; !got.Equal(time.UnixMilli(stored)) {
		t.Errorf("start = %v, want newest stored timestamp %v", got, time.UnixMilli(stored))
	}
}

func TestAutoSyncOnSessionEstablished(t *testing.T) {
	db := testDB(t)
	q := &fakeQuerier{pages: map[string]*xmpp.ArchivePage{
		"": {
			Items:    []xmpp.ArchiveItem{item("m1", "one", time.Now().UnixMilli())},
			Complete: true,
		},
	}}
	b := bus.NewBus()
	c := testCoordinator(db, q, b, config.ArchiveConfig{AutoSync: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.New(xmpp.KindSessionEstablished, xmpp.SessionEstablished{Account: account}))

	deadline := time.After(2 * time.Second)
	for {
		items, err := db.ListHistory(account.String(), peer.String(), 0, 10)
		if err == nil && len(items) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("session establishment did not trigger a sync")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
