package bucket

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/mofreitas/woodwork/core/logger"
)

const fileColumns = "file_id, folder_id, name, file_type, created_at"

func scanFile(row interface{ Scan(...interface{}) error }) (*File, error) {
	var file File
	err := row.Scan(&file.ID, &file.Folder, &file.Name, &file.FileType, &file.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// FileByID returns the file record with the given id.
func (b *Backend) FileByID(ctx context.Context, id uuid.UUID) (*File, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM `+b.schema+`."file" WHERE file_id=$1;`, id)
	return scanFile(row)
}

// FilesOfFolder lists the file records below a folder.
func (b *Backend) FilesOfFolder(ctx context.Context, folderID uuid.UUID) ([]File, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM `+b.schema+`."file"
WHERE folder_id=$1 ORDER BY name;`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}
	return files, rows.Err()
}

// AddFile stores content as a file below the folder and records it. A
// file with the same name and type replaces the stored content.
func (b *Backend) AddFile(ctx context.Context, folderID uuid.UUID, name, fileType string, content io.Reader) (*File, error) {
	folder, err := b.FolderByID(ctx, folderID)
	if err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `INSERT INTO `+b.schema+`."file"
(folder_id, name, file_type) VALUES($1,$2,$3)
ON CONFLICT (folder_id, name, file_type) DO UPDATE SET created_at=now()
RETURNING `+fileColumns+`;`, folderID, name, fileType)
	file, err := scanFile(row)
	if err != nil {
		return nil, err
	}
	if err := b.storage.Write(ctx, file.Key(folder.Path), content); err != nil {
		return nil, err
	}
	return file, nil
}

// DeleteFile removes the file record and its stored content.
func (b *Backend) DeleteFile(ctx context.Context, id uuid.UUID) error {
	file, err := b.FileByID(ctx, id)
	if err != nil {
		return err
	}
	folder, err := b.FolderByID(ctx, file.Folder)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM `+b.schema+`."file" WHERE file_id=$1;`, id); err != nil {
		return err
	}
	if err := b.storage.Remove(ctx, file.Key(folder.Path)); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 3004: cannot remove file storage %s", file.Key(folder.Path))
	}
	return nil
}
