package campaigns

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wadesk/syncd/internal/realtime"
)

// RecentContactCapacity bounds the per-recipient activity feed.
const RecentContactCapacity = 100

const maxIdentifierLength = 190

// ErrInvalidCampaignID indicates that a campaign identifier is empty or too long.
var ErrInvalidCampaignID = errors.New("campaigns: invalid campaign id")

// CampaignID represents a validated campaign identifier.
type CampaignID string

// NewCampaignID validates raw input and returns a CampaignID.
func NewCampaignID(rawInput string) (CampaignID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCampaignID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCampaignID, maxIdentifierLength)
	}
	return CampaignID(trimmed), nil
}

func (id CampaignID) String() string {
	return string(id)
}

// Status is the lifecycle state of a campaign run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// ParseStatus maps a backend status string onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "draft", "scheduled", "pending":
		return StatusIdle, true
	case "running", "processing", "in_progress", "sending":
		return StatusRunning, true
	case "completed", "complete", "finished", "done":
		return StatusCompleted, true
	case "failed", "error":
		return StatusFailed, true
	case "paused":
		return StatusPaused, true
	case "cancelled", "canceled", "stopped":
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Terminal reports whether the status closes a watch session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPaused, StatusCancelled:
		return true
	default:
		return false
	}
}

// Counters are the aggregate delivery counts of a campaign.
type Counters struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ContactEvent is one entry of the per-recipient activity feed.
type ContactEvent struct {
	CampaignID string    `json:"campaignId"`
	ContactID  string    `json:"contactId"`
	Phone      string    `json:"phone,omitempty"`
	Status     string    `json:"status"`
	MessageID  string    `json:"messageId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Progress is the reconciled view of a watched campaign.
type Progress struct {
	CampaignID          string         `json:"campaignId"`
	Counters                           // server-authoritative, replaced wholesale
	ReportedPercentage  *float64       `json:"reportedPercentage,omitempty"`
	DisplayPercentage   float64        `json:"percentage"`
	Status              Status         `json:"status"`
	IsProcessing        bool           `json:"isProcessing"`
	RecentContactEvents []ContactEvent `json:"recentContactEvents"`
	Watching            bool           `json:"watching"`
	Loading             bool           `json:"loading"`
	Error               string         `json:"error,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Percentage is the server-reported percentage when one was supplied,
// otherwise (sent+failed)/total. The result is clamped to [0, 100].
func (p Progress) Percentage() float64 {
	if p.ReportedPercentage != nil {
		return clampFloat(*p.ReportedPercentage, 0, 100)
	}
	if p.Total <= 0 {
		return 0
	}
	clamped := p.Clamped()
	processed := clamped.Sent + clamped.Failed
	if processed > clamped.Total {
		processed = clamped.Total
	}
	return math.Round(float64(processed)/float64(clamped.Total)*1000) / 10
}

// Clamped returns the counters bounded to [0, total] for display. Backend
// overcounts are tolerated rather than reported.
func (p Progress) Clamped() Counters {
	total := p.Total
	if total < 0 {
		total = 0
	}
	return Counters{
		Sent:      clampInt(p.Sent, 0, total),
		Delivered: clampInt(p.Delivered, 0, total),
		Read:      clampInt(p.Read, 0, total),
		Failed:    clampInt(p.Failed, 0, total),
		Total:     total,
	}
}

// WireCampaign is the REST campaign snapshot.
type WireCampaign struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Status         string   `json:"status"`
	TotalContacts  int      `json:"totalContacts"`
	SentCount      int      `json:"sentCount"`
	DeliveredCount int      `json:"deliveredCount"`
	ReadCount      int      `json:"readCount"`
	FailedCount    int      `json:"failedCount"`
	Percentage     *float64 `json:"percentage,omitempty"`
}

func (w WireCampaign) counters() Counters {
	return Counters{
		Sent:      w.SentCount,
		Delivered: w.DeliveredCount,
		Read:      w.ReadCount,
		Failed:    w.FailedCount,
		Total:     w.TotalContacts,
	}
}

type progressPayload struct {
	CampaignID string   `json:"campaignId"`
	Sent       int      `json:"sent"`
	Delivered  int      `json:"delivered"`
	Read       int      `json:"read"`
	Failed     int      `json:"failed"`
	Total      int      `json:"total"`
	Percentage *float64 `json:"percentage"`
	Status     string   `json:"status"`
}

type updatePayload struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
}

type contactPayload struct {
	CampaignID string            `json:"campaignId"`
	ContactID  string            `json:"contactId"`
	Phone      string            `json:"phone"`
	Status     string            `json:"status"`
	MessageID  string            `json:"messageId"`
	Error      string            `json:"error"`
	Timestamp  realtime.WireTime `json:"timestamp"`
}

type completedPayload struct {
	CampaignID      string `json:"campaignId"`
	SentCount       int    `json:"sentCount"`
	FailedCount     int    `json:"failedCount"`
	DeliveredCount  int    `json:"deliveredCount"`
	ReadCount       int    `json:"readCount"`
	TotalRecipients int    `json:"totalRecipients"`
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func clampFloat(value, low, high float64) float64 {
	if math.IsNaN(value) || value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
