package cascade

import (
	"context"
	"math"
	"net/http"

	"github.com/google/uuid"

	"github.com/mofreitas/woodwork/core/bucket"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/orion"
)

// normalizedCorners scales the detected corner polygon into the unit
// square so clients can draw it independent of the camera resolution.
func normalizedCorners(corners [][]float64) [][]float64 {
	var xMax, yMax float64
	for _, corner := range corners {
		if len(corner) < 2 {
			continue
		}
		if corner[0] > xMax {
			xMax = corner[0]
		}
		if corner[1] > yMax {
			yMax = corner[1]
		}
	}
	round := func(v float64) float64 { return math.Round(v*1e7) / 1e7 }
	normalized := make([][]float64, 0, len(corners))
	for _, corner := range corners {
		if len(corner) < 2 {
			continue
		}
		x, y := corner[0], corner[1]
		if xMax > 0 {
			x = x / xMax
		}
		if yMax > 0 {
			y = y / yMax
		}
		normalized = append(normalized, []float64{round(x), round(y)})
	}
	return normalized
}

// workshopOrganization returns the urn of the workshop's organization
// entity, or the empty string when none is registered.
func (w *Workflow) workshopOrganization(ctx context.Context) (string, error) {
	ids, err := w.broker.QueryIDs(ctx, orion.TypeOrganization, "")
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// MirrorLeftover publishes a confirmed leftover into the context broker
// so it shows up next to the regular material stock. The mirror is an
// upsert, confirming twice converges on the same entity.
func (w *Workflow) MirrorLeftover(ctx context.Context, id uuid.UUID) error {
	if w.bucket == nil {
		return nil
	}
	leftover, err := w.bucket.LeftoverImageByID(ctx, id)
	if err == csql.ErrNoRows {
		// the record was deleted before the job ran
		logger.FromContext(ctx).Infof("leftover %s is gone, skipping mirror", id)
		return nil
	}
	if err != nil {
		return err
	}
	return w.mirrorLeftoverImage(ctx, leftover)
}

func (w *Workflow) mirrorLeftoverImage(ctx context.Context, leftover *bucket.LeftoverImage) error {
	workshop, err := w.workshopOrganization(ctx)
	if err != nil {
		return err
	}
	payload := orion.NewLeftoverPayload(w.broker, orion.NewURN(orion.TypeLeftover, leftover.ID.String()), orion.LeftoverAttrs{
		PartName:  leftover.ID.String(),
		Material:  leftover.Class,
		Length:    leftover.Height,
		Width:     leftover.Width,
		Thickness: leftover.Thickness,
		Dimension: normalizedCorners(leftover.Corners),
		Image:     leftover.ImageURL,
		LocationX: leftover.LocationX,
		LocationY: leftover.LocationY,
		OrderBy:   workshop,
	})
	exists, err := payload.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return payload.Patch(ctx)
	}
	return payload.Post(ctx)
}

// RemoveLeftoverMirror deletes the broker entity of a deleted leftover.
// A leftover that was never confirmed has no mirror, so a missing entity
// is fine.
func (w *Workflow) RemoveLeftoverMirror(ctx context.Context, id uuid.UUID) error {
	res, err := w.broker.DeleteEntity(ctx, orion.NewURN(orion.TypeLeftover, id.String()))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusNotFound {
		logger.FromContext(ctx).Errorf("Error 5016: broker returned status %d removing leftover mirror %s", res.StatusCode, id)
	}
	return nil
}
