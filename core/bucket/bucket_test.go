package bucket

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/jobs"
)

var testDB *csql.DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("POSTGRES")
	if dsn == "" {
		fmt.Println("skipping bucket tests, POSTGRES not set")
		return
	}
	testDB = csql.OpenWithSchema(dsn, os.Getenv("POSTGRES_PASSWORD"), "_bucket_unit_test_")
	testDB.ClearSchema()
	code := m.Run()
	testDB.ClearSchema()
	testDB.Close()
	os.Exit(code)
}

func newTestBucket(t *testing.T) *Backend {
	t.Helper()
	return New(&Builder{DB: testDB, Storage: NewLocalDriver(t.TempDir())})
}

func TestGetOrCreateFolder(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	root, err := backend.GetOrCreateFolder(ctx, "alice@example.com", "b1", "urn:ngsi-ld:Budget:b1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if root.Path != "mofreitas/clientes/alice@example.com/b1" {
		t.Fatal("unexpected root path:", root.Path)
	}

	// same identity returns the existing folder
	again, err := backend.GetOrCreateFolder(ctx, "alice@example.com", "b1", "urn:ngsi-ld:Budget:b1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != root.ID {
		t.Fatal("get-or-create created a duplicate folder")
	}

	child, err := backend.GetOrCreateFolder(ctx, "ignored", "project", "ignored", &root.ID)
	if err != nil {
		t.Fatal(err)
	}
	// children inherit owner and budget from their parent
	if child.Owner != "alice@example.com" || child.Budget != "urn:ngsi-ld:Budget:b1" {
		t.Fatal("child did not inherit owner/budget:", child.Owner, child.Budget)
	}
	if child.Path != root.Path+"/project" {
		t.Fatal("unexpected child path:", child.Path)
	}
}

func TestFolderNameSanitized(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	folder, err := backend.GetOrCreateFolder(ctx, "alice@example.com", "  side<bo>ard?  ", "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if folder.Name != "sideboard" {
		t.Fatal("name was not sanitized:", folder.Name)
	}
}

func TestRenameFolderRecomputesDescendants(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	root, err := backend.GetOrCreateFolder(ctx, "bob@example.com", "b2", "budget2", nil)
	if err != nil {
		t.Fatal(err)
	}
	project, err := backend.GetOrCreateFolder(ctx, "", "project", "", &root.ID)
	if err != nil {
		t.Fatal(err)
	}
	easm, err := backend.GetOrCreateFolder(ctx, "", "EASM", "", &project.ID)
	if err != nil {
		t.Fatal(err)
	}

	renamed, err := backend.RenameFolder(ctx, root.ID, "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if renamed.Path != "mofreitas/clientes/bob@example.com/renamed" {
		t.Fatal("unexpected renamed path:", renamed.Path)
	}

	easm, err = backend.FolderByID(ctx, easm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if easm.Path != "mofreitas/clientes/bob@example.com/renamed/project/EASM" {
		t.Fatal("descendant path was not recomputed:", easm.Path)
	}
}

func TestRenameFolderNonASCIIOwner(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	// the owner email carries a multi-byte rune, so the path prefix has
	// more bytes than characters
	root, err := backend.GetOrCreateFolder(ctx, "joão@example.pt", "0042", "budget42", nil)
	if err != nil {
		t.Fatal(err)
	}
	project, err := backend.GetOrCreateFolder(ctx, "", "project", "", &root.ID)
	if err != nil {
		t.Fatal(err)
	}
	easm, err := backend.GetOrCreateFolder(ctx, "", "EASM", "", &project.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := backend.RenameFolder(ctx, project.ID, "fabrico"); err != nil {
		t.Fatal(err)
	}

	easm, err = backend.FolderByID(ctx, easm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if easm.Path != "mofreitas/clientes/joão@example.pt/0042/fabrico/EASM" {
		t.Fatal("descendant path corrupted by rename:", easm.Path)
	}
}

func TestDeleteFolderSubtree(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	root, err := backend.GetOrCreateFolder(ctx, "carol@example.com", "b3", "budget3", nil)
	if err != nil {
		t.Fatal(err)
	}
	child, err := backend.GetOrCreateFolder(ctx, "", "briefing", "", &root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backend.AddFile(ctx, child.ID, "plan", ".pdf", strings.NewReader("pdf")); err != nil {
		t.Fatal(err)
	}

	if err := backend.DeleteFolder(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.FolderByID(ctx, child.ID); err != csql.ErrNoRows {
		t.Fatal("child folder survived subtree delete")
	}
	files, err := backend.FilesOfFolder(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatal("files survived subtree delete")
	}
}

func TestFilesUniquePerFolder(t *testing.T) {
	backend := newTestBucket(t)
	ctx := context.Background()

	folder, err := backend.GetOrCreateFolder(ctx, "dave@example.com", "b4", "budget4", nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := backend.AddFile(ctx, folder.ID, "cutlist", ".xlsx", strings.NewReader("v1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := backend.AddFile(ctx, folder.ID, "cutlist", ".xlsx", strings.NewReader("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatal("same name and type must reuse the file record")
	}
	files, err := backend.FilesOfFolder(ctx, folder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatal("expected a single file record, got", len(files))
	}
}

func TestConfirmLeftoverRaisesEvent(t *testing.T) {
	queue := jobs.New(&jobs.Builder{DB: testDB})
	backend := New(&Builder{DB: testDB, Storage: NewLocalDriver(t.TempDir()), Events: queue})
	ctx := context.Background()

	received := make(chan jobs.Event, 10)
	queue.HandleEvent(EventLeftoverConfirmed, func(ctx context.Context, event jobs.Event) error {
		received <- event
		return nil
	})
	queue.HandleEvent(EventLeftoverDeleted, func(ctx context.Context, event jobs.Event) error {
		received <- event
		return nil
	})

	leftover, err := backend.CreateLeftoverImage(ctx, LeftoverImage{
		Class:   "mdf",
		Corners: [][]float64{{0, 0}, {100, 0}, {100, 50}, {0, 50}, {0, 0}},
		Width:   100, Height: 50, Ratio: 1.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if leftover.Batch != "default" || leftover.Thickness != -1 {
		t.Fatal("defaults not applied:", leftover.Batch, leftover.Thickness)
	}

	confirmed, err := backend.ConfirmLeftoverImage(ctx, leftover.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !confirmed.Confirmed {
		t.Fatal("leftover was not confirmed")
	}
	queue.ProcessJobsSync(-1)

	event := <-received
	if event.Type != EventLeftoverConfirmed {
		t.Fatal("unexpected event type:", event.Type)
	}

	if err := backend.DeleteLeftoverImage(ctx, leftover.ID); err != nil {
		t.Fatal(err)
	}
	queue.ProcessJobsSync(-1)
	event = <-received
	if event.Type != EventLeftoverDeleted {
		t.Fatal("unexpected event type:", event.Type)
	}
	if _, err := backend.LeftoverImageByID(ctx, leftover.ID); err != csql.ErrNoRows {
		t.Fatal("leftover record survived delete")
	}
}
