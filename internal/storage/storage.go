package storage

import (
	"context"

	"donationsync/internal/model"
)

// Journal records delivered events and decode failures outside the process.
type Journal interface {
	PutEvents(ctx context.Context, events []model.DecodedEvent) error
	PutDecodeErrors(ctx context.Context, decodeErrs []model.DecodeError) error
}

// Multi writes to every journal in order and stops at the first failure.
type Multi []Journal

func (m Multi) PutEvents(ctx context.Context, events []model.DecodedEvent) error {
	for _, j := range m {
		if err := j.PutEvents(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) PutDecodeErrors(ctx context.Context, decodeErrs []model.DecodeError) error {
	for _, j := range m {
		if err := j.PutDecodeErrors(ctx, decodeErrs); err != nil {
			return err
		}
	}
	return nil
}
