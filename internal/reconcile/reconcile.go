// Package reconcile merges an anonymous profile into a permanent account when
// an anonymous identity is upgraded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	appLog "howbehind/internal/log"
	"howbehind/internal/metrics"
	"howbehind/internal/model"
	"howbehind/internal/storage"
)

const defaultMaxAttempts = 3

// ErrSameIdentity is returned when asked to merge an identity into itself.
var ErrSameIdentity = errors.New("reconcile: incoming and anonymous identities are the same")

// Merge combines the permanent account's profile with the anonymous one
// being retired. Behind lists and break weeks are unioned; the feed URL and
// watermark of the anonymous profile win when set.
func Merge(incoming, anonymous model.Profile, anonymousID string) model.Profile {
	out := model.Profile{
		FeedURL:   incoming.FeedURL,
		Watermark: incoming.Watermark,
	}
	if anonymous.FeedURL != "" {
		out.FeedURL = anonymous.FeedURL
	}
	if !anonymous.Watermark.IsZero() {
		out.Watermark = anonymous.Watermark
	}

	behind := make([]model.Session, 0, len(incoming.Behind)+len(anonymous.Behind))
	behind = append(behind, incoming.Behind...)
	behind = append(behind, anonymous.Behind...)
	out.Behind = model.UniqueByID(behind)

	if weeks := slices.Concat(incoming.BreakWeeks, anonymous.BreakWeeks); len(weeks) > 0 {
		slices.Sort(weeks)
		out.BreakWeeks = slices.Compact(weeks)
	}

	out.MergeHistory = slices.Concat(incoming.MergeHistory, anonymous.MergeHistory)
	if anonymousID != "" {
		out.MergeHistory = append(out.MergeHistory, anonymousID)
	}
	return out
}

// Request describes one identity upgrade.
type Request struct {
	IncomingID  string
	AnonymousID string

	// Keep is false when the user chose to discard the anonymous data.
	Keep bool
}

// Result reports what Run committed.
type Result struct {
	Profile model.Profile
	Merged  bool
}

// Reconciler runs the commit-then-retire protocol against a Store:
//
//  1. read the incoming profile
//  2. read the anonymous profile
//  3. compare-and-swap the merged profile onto the incoming identity
//  4. delete the anonymous identity if it is unchanged since step 2,
//     undoing step 3 and starting over otherwise
//
// The anonymous profile is only deleted after the merged profile has been
// committed, so a failure at any step leaves it usable.
type Reconciler struct {
	store       *storage.Store
	maxAttempts int
}

// New creates a Reconciler.
func New(store *storage.Store) *Reconciler {
	return &Reconciler{store: store, maxAttempts: defaultMaxAttempts}
}

// Run performs req.
func (r *Reconciler) Run(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		outcome := "discarded"
		switch {
		case err != nil:
			outcome = "failed"
		case res.Merged:
			outcome = "merged"
		}
		metrics.ReconciliationsTotal.WithLabelValues(outcome).Inc()
	}()

	if req.IncomingID == "" || req.AnonymousID == "" {
		return Result{}, errors.New("reconcile: both identities are required")
	}
	if req.IncomingID == req.AnonymousID {
		return Result{}, ErrSameIdentity
	}

	if !req.Keep {
		incoming, err := r.read(ctx, req.IncomingID)
		if err != nil {
			return Result{}, err
		}
		if err := r.store.Delete(ctx, req.AnonymousID); err != nil {
			return Result{}, fmt.Errorf("retire anonymous profile: %w", err)
		}
		appLog.Info("anonymous profile discarded", "user", req.IncomingID, "anonymous", req.AnonymousID)
		return Result{Profile: incoming.profile}, nil
	}

	for attempt := 1; ; attempt++ {
		incoming, err := r.read(ctx, req.IncomingID)
		if err != nil {
			return Result{}, err
		}
		anonymous, err := r.read(ctx, req.AnonymousID)
		if err != nil {
			return Result{}, err
		}
		if anonymous.rev == 0 {
			return Result{Profile: incoming.profile}, nil
		}

		merged := Merge(incoming.profile, anonymous.profile, req.AnonymousID)
		mergedRev, err := r.store.Swap(ctx, req.IncomingID, incoming.rev, merged)
		if errors.Is(err, storage.ErrConflict) && attempt < r.maxAttempts {
			metrics.WatermarkConflicts.Inc()
			appLog.Debug("reconcile swap conflict; retrying", "user", req.IncomingID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("commit merged profile: %w", err)
		}

		// The anonymous profile is only retired in the state that was merged.
		if err := r.store.DeleteIf(ctx, req.AnonymousID, anonymous.rev); err != nil {
			if rbErr := r.rollback(ctx, req.IncomingID, mergedRev, incoming); rbErr != nil {
				appLog.Error("reconcile rollback failed", rbErr, "user", req.IncomingID)
				return Result{}, fmt.Errorf("retire anonymous profile: %w", errors.Join(err, rbErr))
			}
			if errors.Is(err, storage.ErrConflict) && attempt < r.maxAttempts {
				metrics.WatermarkConflicts.Inc()
				appLog.Debug("anonymous profile changed during reconcile; retrying", "anonymous", req.AnonymousID, "attempt", attempt)
				continue
			}
			return Result{}, fmt.Errorf("retire anonymous profile: %w", err)
		}

		appLog.Info("anonymous profile merged",
			"user", req.IncomingID,
			"anonymous", req.AnonymousID,
			"behind", len(merged.Behind),
		)
		return Result{Profile: merged, Merged: true}, nil
	}
}

// revisioned is a profile as read, with its revision. Revision 0 means the
// profile does not exist.
type revisioned struct {
	profile model.Profile
	rev     int64
}

func (r *Reconciler) read(ctx context.Context, userID string) (revisioned, error) {
	p, rev, err := r.store.ReadRevision(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return revisioned{}, nil
	}
	if err != nil {
		return revisioned{}, fmt.Errorf("read %s: %w", userID, err)
	}
	return revisioned{profile: p, rev: rev}, nil
}

// rollback restores the incoming profile after a failed retirement, unless
// something else has written since the merge.
func (r *Reconciler) rollback(ctx context.Context, userID string, mergedRev int64, original revisioned) error {
	if original.rev == 0 {
		return r.store.DeleteIf(ctx, userID, mergedRev)
	}
	_, err := r.store.Swap(ctx, userID, mergedRev, original.profile)
	return err
}
