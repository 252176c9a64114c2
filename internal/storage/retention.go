package storage

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/logger"
)

// Retain keeps the keep newest packages of trigger and deletes the rest.
// Age comes from the timestamp in the manifest name. Chunks go first and
// the manifest last, so an interrupted prune is finished on the next run.
func (d *Destination) Retain(ctx context.Context, trigger string, keep int) error {
	if keep <= 0 {
		return nil
	}
	log := logger.FromContext(ctx).With("storage", d.name)

	stored, err := d.listPackages(ctx, trigger)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeRetention, d.name+": failed to list packages", "")
	}
	if len(stored) <= keep {
		return nil
	}

	var merr *multierror.Error
	for _, p := range stored[:len(stored)-keep] {
		log.Info("pruning old package", "package", p.stem)
		if err := d.deletePackage(ctx, p); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeRetention,
			fmt.Sprintf("%s: failed to prune %d package(s)", d.name, len(merr.Errors)), "")
	}
	return nil
}

func (d *Destination) deletePackage(ctx context.Context, p *storedPackage) error {
	for _, f := range p.files {
		if err := d.backend.Delete(ctx, f); err != nil {
			return fmt.Errorf("delete %s: %w", f, err)
		}
	}
	if err := d.backend.Delete(ctx, p.manifest); err != nil {
		return fmt.Errorf("delete %s: %w", p.manifest, err)
	}
	return nil
}
