package campaigns

import (
	"strings"

	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/realtime"
)

func (r *Reconciler) handleProgress(envelope realtime.Envelope) {
	var payload progressPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("campaign:progress ignored", zap.Error(err))
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)

	r.mu.Lock()
	if !r.acceptsLocked(campaignID) || r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.counters = Counters{
		Sent:      payload.Sent,
		Delivered: payload.Delivered,
		Read:      payload.Read,
		Failed:    payload.Failed,
		Total:     payload.Total,
	}
	r.reported = payload.Percentage
	r.countersSeen = true
	if status, ok := ParseStatus(payload.Status); ok {
		r.status = status
		r.statusSeen = true
	}
	r.updatedAt = r.clock().UTC()
	terminal := r.status.Terminal()
	var final Progress
	if terminal {
		final = r.progressLocked()
	}
	r.mu.Unlock()

	if terminal {
		r.saveFinalTally(final)
	}
	r.notify(campaignID)
}

func (r *Reconciler) handleUpdate(envelope realtime.Envelope) {
	var payload updatePayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("campaign:update ignored", zap.Error(err))
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)
	status, ok := ParseStatus(payload.Status)
	if !ok {
		r.logger.Debug("campaign:update ignored", zap.String("reason", reasonInvalidPayload))
		return
	}

	r.mu.Lock()
	if !r.acceptsLocked(campaignID) || r.status.Terminal() || r.status == status {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.statusSeen = true
	r.updatedAt = r.clock().UTC()
	r.mu.Unlock()

	r.notify(campaignID)
}

func (r *Reconciler) handleContact(envelope realtime.Envelope) {
	var payload contactPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("campaign:contact ignored", zap.Error(err))
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)
	timestamp := payload.Timestamp.Time
	if timestamp.IsZero() {
		timestamp = r.clock()
	}
	event := ContactEvent{
		CampaignID: campaignID,
		ContactID:  strings.TrimSpace(payload.ContactID),
		Phone:      payload.Phone,
		Status:     strings.ToLower(strings.TrimSpace(payload.Status)),
		MessageID:  payload.MessageID,
		Error:      payload.Error,
		Timestamp:  timestamp.UTC(),
	}

	r.mu.Lock()
	if !r.acceptsLocked(campaignID) {
		r.mu.Unlock()
		return
	}
	r.recent.Push(event)
	r.updatedAt = r.clock().UTC()
	r.mu.Unlock()

	r.notify(campaignID)
}

// handleCompleted applies the final tally and sets Completed. It overwrites
// whatever the last progress event reported, including higher counts and an
// earlier terminal status.
func (r *Reconciler) handleCompleted(envelope realtime.Envelope) {
	var payload completedPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("campaign:completed ignored", zap.Error(err))
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)

	r.mu.Lock()
	if !r.acceptsLocked(campaignID) {
		r.mu.Unlock()
		return
	}
	r.counters = Counters{
		Sent:      payload.SentCount,
		Delivered: payload.DeliveredCount,
		Read:      payload.ReadCount,
		Failed:    payload.FailedCount,
		Total:     payload.TotalRecipients,
	}
	r.reported = nil
	r.countersSeen = true
	r.status = StatusCompleted
	r.statusSeen = true
	r.loading = false
	r.updatedAt = r.clock().UTC()
	final := r.progressLocked()
	r.mu.Unlock()

	r.saveFinalTally(final)
	r.notify(campaignID)
}
