// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package bucket is the relational mirror of the physical file storage.

Folders form a materialized-path tree below a fixed per-customer root
("mofreitas/clientes/<email>/..."). The tree rows are the source of truth
for the storage layout; a pluggable Driver performs the physical
directory operations. Leftover images live here as well, confirming one
raises the event that mirrors it into the context broker.
*/
package bucket

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/logger"
)

// Lifecycle events raised by the bucket. The cascade workflow mirrors the
// leftover into the context broker on confirmation and removes the mirror
// on deletion.
const (
	EventLeftoverConfirmed = "leftover-confirmed"
	EventLeftoverDeleted   = "leftover-deleted"
)

// LeftoverEvent is the payload of the leftover lifecycle events.
type LeftoverEvent struct {
	ID uuid.UUID `json:"id"`
}

// Eventer raises lifecycle events. Satisfied by *jobs.Queue.
type Eventer interface {
	QueueEvent(ctx context.Context, event jobs.Event) error
}

// pathRoot is the fixed prefix of every customer tree.
const pathRoot = "mofreitas/clientes"

// Folder is one node of the materialized-path tree. Children inherit
// Owner and Budget from their parent.
type Folder struct {
	ID        uuid.UUID  `json:"folder_id"`
	Name      string     `json:"name"`
	Parent    *uuid.UUID `json:"parent_id,omitempty"`
	Owner     string     `json:"owner"`
	Budget    string     `json:"budget"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"created_at"`
}

// File is a stored file record below a folder.
type File struct {
	ID        uuid.UUID `json:"file_id"`
	Folder    uuid.UUID `json:"folder_id"`
	Name      string    `json:"name"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is the storage key of the file below its folder path.
func (f File) Key(folderPath string) string {
	return folderPath + "/" + f.Name + f.FileType
}

// LeftoverImage is a detected wood leftover with its bounding box and
// corner polygon in pixel coordinates. Confirmed leftovers are mirrored
// as broker entities.
type LeftoverImage struct {
	ID        uuid.UUID   `json:"leftover_id"`
	Class     string      `json:"class"`
	Batch     string      `json:"batch"`
	Corners   [][]float64 `json:"corners"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Width     float64     `json:"width"`
	Height    float64     `json:"height"`
	Thickness float64     `json:"thickness"`
	Ratio     float64     `json:"ratio"`
	LocationX int         `json:"location_x"`
	LocationY int         `json:"location_y"`
	ImageURL  string      `json:"image_url"`
	Treated   bool        `json:"treated"`
	Confirmed bool        `json:"confirmed"`
	CreatedAt time.Time   `json:"created_at"`
}

// Builder is a builder helper for the bucket Backend
type Builder struct {
	// DB is the postgres database
	DB *csql.DB
	// Storage performs the physical directory operations
	Storage Driver
	// Router is optional; when given, the folder and leftover routes are
	// registered
	Router *mux.Router
	// Events receives the leftover lifecycle events. Optional.
	Events Eventer
	// Prefix is the API prefix, default "/api/v1"
	Prefix string
}

// Backend is the folder tree with its storage driver.
type Backend struct {
	db      *csql.DB
	schema  string
	storage Driver
	events  Eventer
	prefix  string
}

// New creates the bucket backend. Tables are created if they do not exist
// yet. Panics on invalid builder input.
func New(b *Builder) *Backend {
	if b.DB == nil {
		panic("bucket: cannot create backend without database")
	}
	if b.Storage == nil {
		panic("bucket: cannot create backend without storage driver")
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	backend := &Backend{
		db:      b.DB,
		schema:  b.DB.Schema,
		storage: b.Storage,
		events:  b.Events,
		prefix:  prefix,
	}

	schema := b.DB.Schema
	_, err := b.DB.Exec(`CREATE table IF NOT EXISTS ` + schema + `."folder"
(folder_id uuid DEFAULT uuid_generate_v4(),
name VARCHAR NOT NULL,
parent_id uuid REFERENCES ` + schema + `."folder"(folder_id) ON DELETE CASCADE,
owner_email VARCHAR NOT NULL,
budget VARCHAR NOT NULL,
path VARCHAR NOT NULL UNIQUE,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(folder_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS folder_identity ON ` + schema + `.folder
(owner_email,name,budget,COALESCE(parent_id,'00000000-0000-0000-0000-000000000000'::uuid));
CREATE table IF NOT EXISTS ` + schema + `."file"
(file_id uuid DEFAULT uuid_generate_v4(),
folder_id uuid NOT NULL REFERENCES ` + schema + `."folder"(folder_id) ON DELETE CASCADE,
name VARCHAR NOT NULL,
file_type VARCHAR NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(file_id),
UNIQUE(folder_id,name,file_type)
);
CREATE table IF NOT EXISTS ` + schema + `."leftover_image"
(leftover_id uuid DEFAULT uuid_generate_v4(),
class VARCHAR NOT NULL,
batch VARCHAR NOT NULL DEFAULT 'default',
corners JSON NOT NULL DEFAULT '[]'::json,
x DOUBLE PRECISION NOT NULL DEFAULT 0,
y DOUBLE PRECISION NOT NULL DEFAULT 0,
width DOUBLE PRECISION NOT NULL DEFAULT 0,
height DOUBLE PRECISION NOT NULL DEFAULT 0,
thickness DOUBLE PRECISION NOT NULL DEFAULT -1,
ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
location_x INTEGER NOT NULL DEFAULT 0,
location_y INTEGER NOT NULL DEFAULT 0,
image_url VARCHAR NOT NULL DEFAULT '',
treated BOOLEAN NOT NULL DEFAULT false,
confirmed BOOLEAN NOT NULL DEFAULT false,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(leftover_id)
);
`)
	if err != nil {
		panic(err)
	}

	if b.Router != nil {
		backend.handleRoutes(b.Router)
	}
	return backend
}

var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// ValidName strips characters that cannot appear in a folder name.
func ValidName(name string) string {
	return invalidNameChars.ReplaceAllString(strings.TrimSpace(name), "")
}

// RootPath returns the tree root of a customer.
func RootPath(owner string) string {
	return pathRoot + "/" + owner
}

const folderColumns = "folder_id, name, parent_id, owner_email, budget, path, created_at"

func (b *Backend) scanFolder(row interface{ Scan(...interface{}) error }) (*Folder, error) {
	var folder Folder
	var parent uuid.NullUUID
	err := row.Scan(&folder.ID, &folder.Name, &parent, &folder.Owner, &folder.Budget, &folder.Path, &folder.CreatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		folder.Parent = &parent.UUID
	}
	return &folder, nil
}

// FolderByID returns the folder with the given id.
func (b *Backend) FolderByID(ctx context.Context, id uuid.UUID) (*Folder, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM `+b.schema+`."folder" WHERE folder_id=$1;`, id)
	return b.scanFolder(row)
}

// Folder returns the folder with the given identity, or csql.ErrNoRows.
func (b *Backend) Folder(ctx context.Context, owner, name, budget string, parent *uuid.UUID) (*Folder, error) {
	name = ValidName(name)
	query := `SELECT ` + folderColumns + ` FROM ` + b.schema + `."folder"
WHERE owner_email=$1 AND name=$2 AND budget=$3 AND parent_id IS NOT DISTINCT FROM $4;`
	row := b.db.QueryRowContext(ctx, query, owner, name, budget, parent)
	return b.scanFolder(row)
}

// GetOrCreateFolder returns the folder with the given identity, creating
// it first when necessary. A child inherits owner and budget from its
// parent; the physical directory is materialized on creation.
func (b *Backend) GetOrCreateFolder(ctx context.Context, owner, name, budget string, parent *uuid.UUID) (*Folder, error) {
	name = ValidName(name)
	path := RootPath(owner) + "/" + name
	if parent != nil {
		parentFolder, err := b.FolderByID(ctx, *parent)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve parent folder: %w", err)
		}
		owner = parentFolder.Owner
		budget = parentFolder.Budget
		path = parentFolder.Path + "/" + name
	}

	folder, err := b.Folder(ctx, owner, name, budget, parent)
	if err == nil {
		return folder, nil
	}
	if err != csql.ErrNoRows {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, `INSERT INTO `+b.schema+`."folder"
(name, parent_id, owner_email, budget, path) VALUES($1,$2,$3,$4,$5)
RETURNING `+folderColumns+`;`, name, parent, owner, budget, path)
	folder, err = b.scanFolder(row)
	if err != nil {
		// a concurrent request may have created the folder first
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return b.Folder(ctx, owner, name, budget, parent)
		}
		return nil, err
	}
	if err := b.storage.EnsureDir(ctx, folder.Path); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 3001: cannot materialize folder %s", folder.Path)
	}
	return folder, nil
}

// RenameFolder renames a folder and recomputes the materialized path of
// the node and all of its descendants. The physical directory is moved
// along.
func (b *Backend) RenameFolder(ctx context.Context, id uuid.UUID, newName string) (*Folder, error) {
	folder, err := b.FolderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	newName = ValidName(newName)
	if newName == folder.Name {
		return folder, nil
	}

	oldPath := folder.Path
	prefix := strings.TrimSuffix(oldPath, folder.Name)
	newPath := prefix + newName

	// substring counts characters, not bytes; let Postgres measure the
	// prefix so non-ASCII owner emails or folder names cannot shift the cut
	_, err = b.db.ExecContext(ctx, `UPDATE `+b.schema+`."folder"
SET path = $1 || substring(path from char_length($2::text) + 1), name = CASE WHEN folder_id=$3 THEN $4 ELSE name END
WHERE path = $2 OR path LIKE $2 || '/%';`,
		newPath, oldPath, id, newName)
	if err != nil {
		return nil, err
	}
	if err := b.storage.Move(ctx, oldPath, newPath); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 3002: cannot move folder %s to %s", oldPath, newPath)
	}
	return b.FolderByID(ctx, id)
}

// DeleteFolder removes the folder with its whole subtree, files included,
// and the physical directory behind it.
func (b *Backend) DeleteFolder(ctx context.Context, id uuid.UUID) error {
	folder, err := b.FolderByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM `+b.schema+`."folder" WHERE folder_id=$1;`, id); err != nil {
		return err
	}
	if err := b.storage.RemoveAll(ctx, folder.Path); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 3003: cannot remove folder storage %s", folder.Path)
	}
	return nil
}

// Folders lists folders, optionally restricted to one owner and/or one
// budget key.
func (b *Backend) Folders(ctx context.Context, owner, budget string) ([]Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM ` + b.schema + `."folder"
WHERE ($1 = '' OR owner_email = $1) AND ($2 = '' OR budget = $2) ORDER BY path;`
	rows, err := b.db.QueryContext(ctx, query, owner, budget)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []Folder
	for rows.Next() {
		folder, err := b.scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *folder)
	}
	return folders, rows.Err()
}
