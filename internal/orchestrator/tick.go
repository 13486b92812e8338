package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"graze/internal/apperr"
	"graze/internal/ingester"
	"graze/internal/model"
	"graze/internal/scheduler"
)

// runTick wraps an ingester body into the full tick pipeline: fetch raw
// values, transform in declaration order, persist, refresh the live
// snapshot and publish the delta. The scheduler has already won the
// claim when this runs.
func (o *Orchestrator) runTick(body ingester.Body) scheduler.Body {
	return func(ctx context.Context, ing *model.Ingester) error {
		now := o.now().UTC()
		bucket, err := ing.Interval.BucketStart(now)
		if err != nil {
			return err
		}

		if err := body(ctx, ing); err != nil {
			return fmt.Errorf("body %s: %w", ing.Name, err)
		}

		// Transform failures are localized to single fields: the
		// affected field keeps its prior value and the tick proceeds.
		if err := o.engine.Apply(ctx, ing, now); err != nil && !errors.Is(err, apperr.ErrTransform) {
			return err
		}

		if ts := ing.FieldByName(model.TimestampField); ts != nil && ing.ResourceType == model.ResourceTimeSeries {
			ts.Value = bucket
		}

		switch ing.ResourceType {
		case model.ResourceTimeSeries, model.ResourceSeries:
			if err := o.db.Insert(ctx, ing, ""); err != nil {
				return err
			}
		case model.ResourceUpdate:
			uid := ing.FieldByName(model.UIDField)
			if uid == nil || uid.Value == nil || uid.Value == "" {
				return fmt.Errorf("%s: update tick produced no uid", ing.Name)
			}
			if err := o.db.Upsert(ctx, ing, ""); err != nil {
				return err
			}
		}

		ing.LastIngested = bucket
		snapshot := ing.ValuesMap()
		if err := o.reg.SetSnapshot(ctx, ing.Name, snapshot); err != nil {
			return err
		}
		// A failed publish only costs subscribers this delta; the tick
		// itself has committed.
		if err := o.reg.Publish(ctx, ing.Name, snapshot); err != nil {
			o.logger.Warn("delta publish failed", "ingester", ing.Name, "error", err)
		}
		return nil
	}
}
