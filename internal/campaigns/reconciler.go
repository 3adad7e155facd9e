// Package campaigns reconciles a REST campaign snapshot with streamed
// progress, per-recipient and completion events.
package campaigns

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/observe"
	"github.com/wadesk/syncd/internal/realtime"
)

// API is the REST collaborator used by the reconciler.
type API interface {
	GetCampaign(ctx context.Context, campaignID string) (WireCampaign, error)
}

// PushChannel is the subset of the Connection Manager the reconciler uses.
type PushChannel interface {
	SubscribeRoom(room realtime.Room) error
	UnsubscribeRoom(room realtime.Room) error
	On(event string, handler realtime.Handler) realtime.HandlerID
	Off(event string, id realtime.HandlerID)
}

// Cache persists final tallies of completed campaigns.
type Cache interface {
	SaveCampaignProgress(ctx context.Context, progress Progress) error
	LoadCampaignProgress(ctx context.Context, campaignID string) (Progress, bool, error)
}

// Config wires the reconciler's collaborators.
type Config struct {
	API      API
	Push     PushChannel
	Cache    Cache
	Capacity int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Change is delivered to OnChange observers after every mutation.
type Change struct {
	CampaignID string `json:"campaignId"`
	Status     Status `json:"status"`
}

// Reconciler maintains the progress view model of the watched campaign.
type Reconciler struct {
	api        API
	push       PushChannel
	cache      Cache
	clock      func() time.Time
	logger     *zap.Logger
	observers  *observe.Registry[Change]
	handlerIDs map[string]realtime.HandlerID

	mu           sync.Mutex
	campaignID   string
	watching     bool
	generation   uint64
	counters     Counters
	reported     *float64
	status       Status
	recent       *Ring[ContactEvent]
	countersSeen bool
	statusSeen   bool
	loading      bool
	err          error
	updatedAt    time.Time
	closed       bool
}

// NewReconciler validates cfg and registers the campaign push handlers.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.API == nil {
		return nil, newReconcilerError(opReconcilerNew, reasonMissingAPI, errMissingAPI)
	}
	if cfg.Push == nil {
		return nil, newReconcilerError(opReconcilerNew, reasonMissingPush, errMissingPush)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = RecentContactCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reconciler := &Reconciler{
		api:        cfg.API,
		push:       cfg.Push,
		cache:      cfg.Cache,
		clock:      clock,
		logger:     logger,
		observers:  observe.NewRegistry[Change](),
		handlerIDs: make(map[string]realtime.HandlerID),
		status:     StatusIdle,
		recent:     NewRing[ContactEvent](capacity),
	}
	handlers := map[string]realtime.Handler{
		realtime.EventCampaignProgress:      reconciler.handleProgress,
		realtime.EventCampaignUpdate:        reconciler.handleUpdate,
		realtime.EventCampaignContact:       reconciler.handleContact,
		realtime.EventCampaignContactStatus: reconciler.handleContact,
		realtime.EventCampaignCompleted:     reconciler.handleCompleted,
	}
	for event, handler := range handlers {
		reconciler.handlerIDs[event] = cfg.Push.On(event, handler)
	}
	return reconciler, nil
}

// OnChange registers callback for view-model changes.
func (r *Reconciler) OnChange(callback func(Change)) func() {
	return r.observers.Add(callback)
}

// Watch starts a fresh watch session for campaignID. Counters reset to an
// idle baseline, the campaign room is wanted and the REST snapshot is fetched.
// A snapshot that resolves after another Watch or an Unwatch is discarded.
func (r *Reconciler) Watch(ctx context.Context, rawID string) error {
	campaignID, err := NewCampaignID(rawID)
	if err != nil {
		return newReconcilerError(opWatch, reasonInvalidID, err)
	}
	id := campaignID.String()

	r.mu.Lock()
	previous := ""
	if r.watching && r.campaignID != id {
		previous = r.campaignID
	}
	r.generation++
	generation := r.generation
	r.campaignID = id
	r.watching = true
	r.counters = Counters{}
	r.reported = nil
	r.status = StatusIdle
	r.recent.Reset()
	r.countersSeen = false
	r.statusSeen = false
	r.loading = true
	r.err = nil
	r.updatedAt = r.clock().UTC()
	r.mu.Unlock()
	r.notify(id)

	if previous != "" {
		if err := r.push.UnsubscribeRoom(realtime.CampaignRoom(previous)); err != nil {
			r.logError(opWatch, reasonRoomFailed, err, zap.String("campaign_id", previous))
		}
	}
	if err := r.push.SubscribeRoom(realtime.CampaignRoom(id)); err != nil {
		r.logError(opWatch, reasonRoomFailed, err, zap.String("campaign_id", id))
		return newReconcilerError(opWatch, reasonRoomFailed, err)
	}

	wire, fetchErr := r.api.GetCampaign(ctx, id)
	var (
		cached      Progress
		cachedFound bool
	)
	if fetchErr != nil && r.cache != nil {
		var cacheErr error
		cached, cachedFound, cacheErr = r.cache.LoadCampaignProgress(ctx, id)
		if cacheErr != nil {
			r.logError(opWatch, reasonCacheFailed, cacheErr, zap.String("campaign_id", id))
		}
	}

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		r.logger.Debug("stale campaign snapshot discarded", zap.String("campaign_id", id))
		return nil
	}
	r.loading = false
	var result error
	switch {
	case fetchErr == nil:
		r.applySnapshotLocked(wire.counters(), wire.Percentage, wire.Status)
	case cachedFound:
		r.applySnapshotLocked(cached.Counters, cached.ReportedPercentage, string(cached.Status))
		fallthrough
	default:
		result = newReconcilerError(opWatch, reasonRESTFailed, fetchErr)
		r.err = result
	}
	r.mu.Unlock()
	r.notify(id)

	if result != nil {
		r.logError(opWatch, reasonRESTFailed, fetchErr, zap.String("campaign_id", id))
	}
	return result
}

// Unwatch ends the watch session for campaignID. The last view model stays
// readable until the next Watch.
func (r *Reconciler) Unwatch(rawID string) error {
	campaignID, err := NewCampaignID(rawID)
	if err != nil {
		return newReconcilerError(opUnwatch, reasonInvalidID, err)
	}
	id := campaignID.String()

	r.mu.Lock()
	wasWatching := r.watching && r.campaignID == id
	if wasWatching {
		r.generation++
		r.watching = false
		r.loading = false
	}
	r.mu.Unlock()

	if err := r.push.UnsubscribeRoom(realtime.CampaignRoom(id)); err != nil {
		r.logError(opUnwatch, reasonRoomFailed, err, zap.String("campaign_id", id))
		return newReconcilerError(opUnwatch, reasonRoomFailed, err)
	}
	if wasWatching {
		r.notify(id)
	}
	return nil
}

// Progress returns a copy of the current view model.
func (r *Reconciler) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

// CampaignID returns the id of the current or most recent watch session.
func (r *Reconciler) CampaignID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaignID
}

// Close deregisters the push handlers and releases the watched room.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	watched := ""
	if r.watching {
		watched = r.campaignID
	}
	r.watching = false
	r.generation++
	r.mu.Unlock()

	for event, id := range r.handlerIDs {
		r.push.Off(event, id)
	}
	if watched != "" {
		if err := r.push.UnsubscribeRoom(realtime.CampaignRoom(watched)); err != nil {
			r.logError(opUnwatch, reasonRoomFailed, err, zap.String("campaign_id", watched))
		}
	}
}

// applySnapshotLocked seeds the baseline. Values already delivered by the
// stream for this watch session take precedence.
func (r *Reconciler) applySnapshotLocked(counters Counters, percentage *float64, rawStatus string) {
	if !r.countersSeen {
		r.counters = counters
		r.reported = percentage
	}
	if !r.statusSeen {
		if status, ok := ParseStatus(rawStatus); ok {
			r.status = status
		}
	}
	r.updatedAt = r.clock().UTC()
}

func (r *Reconciler) progressLocked() Progress {
	progress := Progress{
		CampaignID:          r.campaignID,
		Counters:            r.counters,
		Status:              r.status,
		IsProcessing:        r.status == StatusRunning,
		RecentContactEvents: r.recent.Items(),
		Watching:            r.watching,
		Loading:             r.loading,
		UpdatedAt:           r.updatedAt,
	}
	if r.reported != nil {
		value := *r.reported
		progress.ReportedPercentage = &value
	}
	if r.err != nil {
		progress.Error = r.err.Error()
	}
	progress.DisplayPercentage = progress.Percentage()
	return progress
}

// acceptsLocked reports whether an event for campaignID belongs to the
// current watch session.
func (r *Reconciler) acceptsLocked(campaignID string) bool {
	return r.watching && campaignID != "" && campaignID == r.campaignID
}

func (r *Reconciler) notify(campaignID string) {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	r.observers.Notify(Change{CampaignID: campaignID, Status: status})
}

func (r *Reconciler) saveFinalTally(progress Progress) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SaveCampaignProgress(context.Background(), progress); err != nil {
		r.logError(opComplete, reasonCacheFailed, err, zap.String("campaign_id", progress.CampaignID))
	}
}
