// Database lifecycle and end-to-end record/index tests: Open/Close, plain
// and capped insert, in-place update vs move, delete, and drop-returns-
// extents-to-$freelist (S5). Modeled on folio's db_test.go: one fresh
// database per test in a t.TempDir(), exercised through the public API.
package pagedb

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesDataFile(t *testing.T) {
	db := openTestDB(t)
	if len(db.files) == 0 {
		t.Fatal("Open should create at least one data file")
	}
}

func TestOpenBlocksOnDirectoryHeldByAnotherOpenHandle(t *testing.T) {
	// The OS-level flock on Config.Dir's LOCK file guards against a second
	// process opening the same data directory while this one holds it;
	// here a second Open call stands in for that second process.
	dir := t.TempDir()
	first, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	done := make(chan struct{})
	var second *Database
	var secondErr error
	go func() {
		second, secondErr = Open(Config{Dir: dir})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Open should block while the first handle is still open")
	case <-time.After(50 * time.Millisecond):
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	select {
	case <-done:
		if secondErr != nil {
			t.Fatalf("second Open after first Close: %v", secondErr)
		}
		second.Close()
	case <-time.After(time.Second):
		t.Fatal("second Open did not unblock after the first handle closed")
	}
}

func TestReopenPreservesCatalog(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.CreateCollection("widgets", CreateCollectionOptions{}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	col, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if _, err := col.Insert(map[string]any{"_id": "1", "name": "sprocket"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	names := db2.ListCollections()
	if len(names) != 1 || names[0] != "widgets" {
		t.Fatalf("ListCollections after reopen = %v", names)
	}
	col2, err := db2.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after reopen: %v", err)
	}
	cur, err := col2.Scan(NewLockToken())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer cur.Close()
	_, doc, ok, err := cur.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if doc["name"] != "sprocket" {
		t.Errorf("doc after reopen = %v", doc)
	}
}

func TestInsertAndTableScan(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("items", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	want := []string{"a", "b", "c"}
	for _, name := range want {
		if _, err := col.Insert(map[string]any{"name": name}); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}

	cur, err := col.Scan(NewLockToken())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer cur.Close()

	var got []string
	for {
		_, doc, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, doc["name"].(string))
	}
	if len(got) != len(want) {
		t.Fatalf("scanned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scan order[%d] = %s, want %s (physical insertion order)", i, got[i], want[i])
		}
	}
}

func TestEnsureIDSynthesizesIdentifier(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("things", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	col.desc.HasIDIndex = true
	doc := map[string]any{"name": "no-id-given"}
	if _, err := col.Insert(doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if doc["_id"] == nil {
		t.Error("HasIDIndex collections should synthesize an _id when the caller omits one")
	}
}

func TestUpdateInPlaceSameLocatorWhenItFits(t *testing.T) {
	// S3: updating to a payload no larger than the original keeps the
	// same locator and nudges the padding factor down.
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	old := map[string]any{"_id": 1.0, "a": "AAAA"}
	loc, err := col.Insert(old)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	paddingBefore := col.desc.PaddingFactor

	newDoc := map[string]any{"_id": 1.0, "a": "BBBB"}
	newLoc, err := col.Update(loc, old, newDoc)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newLoc != loc {
		t.Errorf("same-size update should keep the same locator, got %+v want %+v", newLoc, loc)
	}
	if col.desc.PaddingFactor > paddingBefore {
		t.Error("an in-place fit should nudge the padding factor down, not up")
	}

	rv, err := db.recordAt(loc)
	if err != nil {
		t.Fatalf("recordAt: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(rv.payload(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["a"] != "BBBB" {
		t.Errorf("stored payload after in-place update = %v", doc)
	}
}

func TestUpdateMovesWhenPayloadGrows(t *testing.T) {
	// S3: a payload that no longer fits the record's slot moves to a new
	// locator; the old locator must no longer be reachable by table scan.
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	old := map[string]any{"_id": 1.0, "a": "AAAA"}
	loc, err := col.Insert(old)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	big := make([]byte, 1<<16)
	for i := range big {
		big[i] = 'x'
	}
	newDoc := map[string]any{"_id": 1.0, "a": string(big)}
	newLoc, err := col.Update(loc, old, newDoc)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newLoc == loc {
		t.Fatal("a payload that outgrows its slot must move to a new locator")
	}

	cur, err := col.Scan(NewLockToken())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer cur.Close()
	var locs []Locator
	for {
		l, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		locs = append(locs, l)
	}
	if len(locs) != 1 || locs[0] != newLoc {
		t.Errorf("table scan after move = %v, want exactly [%v]", locs, newLoc)
	}
}

func TestUpdateRejectedByUniqueIndexLeavesOtherIndexesUntouched(t *testing.T) {
	// §4.6's dup-check pre-pass: an update that a later unique index would
	// reject must not have already mutated an earlier index, nor moved or
	// freed the record, on the way to discovering the conflict.
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := col.CreateIndex("by_a", Ordering{{Field: "a"}}, false, ""); err != nil {
		t.Fatalf("CreateIndex(by_a): %v", err)
	}
	if err := col.CreateIndex("by_b", Ordering{{Field: "b"}}, true, ""); err != nil {
		t.Fatalf("CreateIndex(by_b): %v", err)
	}

	taken := map[string]any{"_id": 1.0, "a": "taken-a", "b": "taken-b"}
	if _, err := col.Insert(taken); err != nil {
		t.Fatalf("Insert(taken): %v", err)
	}
	old := map[string]any{"_id": 2.0, "a": "old-a", "b": "old-b"}
	loc, err := col.Insert(old)
	if err != nil {
		t.Fatalf("Insert(old): %v", err)
	}

	// by_a would accept "new-a"; by_b collides with the other record's "b".
	newDoc := map[string]any{"_id": 2.0, "a": "new-a", "b": "taken-b"}
	if _, err := col.Update(loc, old, newDoc); err != ErrDuplicateKey {
		t.Fatalf("Update with colliding unique field = %v, want ErrDuplicateKey", err)
	}

	// The record must not have moved...
	rv, err := db.recordAt(loc)
	if err != nil {
		t.Fatalf("recordAt: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(rv.payload(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["a"] != "old-a" {
		t.Errorf("stored payload after rejected update = %v, want unchanged", doc)
	}

	// ...and by_a must not have been reindexed to "new-a" either.
	cur, err := col.IndexScan("by_a", NewLockToken(), nil, false, nil, false, 1)
	if err != nil {
		t.Fatalf("IndexScan(by_a): %v", err)
	}
	defer cur.Close()
	wantMissing := string(encodeKeyBlob([][]byte{encodeFieldValue("new-a")}))
	for {
		_, key, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if string(key) == wantMissing {
			t.Error("by_a index reflects the rejected update's new key")
		}
	}
}

func TestDeleteThenDoubleDeleteIsNotFound(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	doc := map[string]any{"a": 1.0}
	loc, err := col.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := col.Delete(loc, doc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if col.desc.NumRecords != 0 {
		t.Errorf("NumRecords after delete = %d, want 0", col.desc.NumRecords)
	}

	cur, err := col.Scan(NewLockToken())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer cur.Close()
	_, _, ok, err := cur.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Error("a deleted record must not be reachable by table scan")
	}
}

func TestInsertReusesFreedRecordSlot(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CreateCollectionOptions{})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	doc := map[string]any{"a": "hello"}
	loc, err := col.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := col.Delete(loc, doc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	before := db.files[0].header.UnusedOffset

	if _, err := col.Insert(map[string]any{"a": "hello"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	after := db.files[0].header.UnusedOffset
	if after != before {
		t.Error("a same-size insert after a delete should reuse the freed slot instead of carving new tail space")
	}
}
