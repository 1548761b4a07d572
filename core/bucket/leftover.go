package bucket

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/orion"
)

const leftoverColumns = `leftover_id, class, batch, corners, x, y, width, height,
thickness, ratio, location_x, location_y, image_url, treated, confirmed, created_at`

func scanLeftover(row interface{ Scan(...interface{}) error }) (*LeftoverImage, error) {
	var leftover LeftoverImage
	var corners []byte
	err := row.Scan(&leftover.ID, &leftover.Class, &leftover.Batch, &corners,
		&leftover.X, &leftover.Y, &leftover.Width, &leftover.Height,
		&leftover.Thickness, &leftover.Ratio, &leftover.LocationX, &leftover.LocationY,
		&leftover.ImageURL, &leftover.Treated, &leftover.Confirmed, &leftover.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(corners, &leftover.Corners); err != nil {
		return nil, fmt.Errorf("cannot decode leftover corners: %w", err)
	}
	return &leftover, nil
}

// CreateLeftoverImage records a detected leftover. Batch defaults to
// "default", thickness to -1 (unknown).
func (b *Backend) CreateLeftoverImage(ctx context.Context, leftover LeftoverImage) (*LeftoverImage, error) {
	if leftover.Batch == "" {
		leftover.Batch = "default"
	}
	if leftover.Thickness == 0 {
		leftover.Thickness = -1
	}
	corners, err := json.Marshal(leftover.Corners)
	if err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `INSERT INTO `+b.schema+`."leftover_image"
(class, batch, corners, x, y, width, height, thickness, ratio, location_x, location_y, image_url, treated)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING `+leftoverColumns+`;`,
		leftover.Class, leftover.Batch, corners, leftover.X, leftover.Y,
		leftover.Width, leftover.Height, leftover.Thickness, leftover.Ratio,
		leftover.LocationX, leftover.LocationY, leftover.ImageURL, leftover.Treated)
	return scanLeftover(row)
}

// LeftoverImageByID returns the leftover with the given id.
func (b *Backend) LeftoverImageByID(ctx context.Context, id uuid.UUID) (*LeftoverImage, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+leftoverColumns+` FROM `+b.schema+`."leftover_image"
WHERE leftover_id=$1;`, id)
	return scanLeftover(row)
}

// LeftoverImages lists leftovers, optionally only confirmed ones.
func (b *Backend) LeftoverImages(ctx context.Context, confirmedOnly bool) ([]LeftoverImage, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+leftoverColumns+` FROM `+b.schema+`."leftover_image"
WHERE NOT $1 OR confirmed ORDER BY created_at;`, confirmedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var leftovers []LeftoverImage
	for rows.Next() {
		leftover, err := scanLeftover(rows)
		if err != nil {
			return nil, err
		}
		leftovers = append(leftovers, *leftover)
	}
	return leftovers, rows.Err()
}

// ConfirmLeftoverImage flips the confirmed flag and raises the event that
// mirrors the leftover into the context broker. Confirming twice
// re-raises the event, the mirror upsert is idempotent.
func (b *Backend) ConfirmLeftoverImage(ctx context.Context, id uuid.UUID) (*LeftoverImage, error) {
	row := b.db.QueryRowContext(ctx, `UPDATE `+b.schema+`."leftover_image"
SET confirmed=true WHERE leftover_id=$1 RETURNING `+leftoverColumns+`;`, id)
	leftover, err := scanLeftover(row)
	if err != nil {
		return nil, err
	}
	if b.events != nil {
		event := jobs.Event{
			Type: EventLeftoverConfirmed,
			Key:  orion.NewURN(orion.TypeLeftover, id.String()),
		}.WithPayload(LeftoverEvent{ID: id})
		if err := b.events.QueueEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("cannot raise %s: %w", EventLeftoverConfirmed, err)
		}
	}
	return leftover, nil
}

// DeleteLeftoverImage removes the record and raises the event that
// removes the broker mirror.
func (b *Backend) DeleteLeftoverImage(ctx context.Context, id uuid.UUID) error {
	if _, err := b.LeftoverImageByID(ctx, id); err != nil {
		return err
	}
	if b.events != nil {
		event := jobs.Event{
			Type: EventLeftoverDeleted,
			Key:  orion.NewURN(orion.TypeLeftover, id.String()),
		}.WithPayload(LeftoverEvent{ID: id})
		if err := b.events.QueueEvent(ctx, event); err != nil {
			return fmt.Errorf("cannot raise %s: %w", EventLeftoverDeleted, err)
		}
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM `+b.schema+`."leftover_image" WHERE leftover_id=$1;`, id)
	return err
}
