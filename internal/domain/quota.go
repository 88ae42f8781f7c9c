package domain

import "time"

// MediaQuota is the per-owner byte ledger.
type MediaQuota struct {
	OwnerID    string `gorm:"type:varchar(64);primaryKey"`
	LimitBytes int64  `gorm:"not null"`
	UsageBytes int64  `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName returns the database table name for MediaQuota.
func (MediaQuota) TableName() string {
	return "media_quotas"
}

// Remaining returns max(0, limit - usage).
func (q *MediaQuota) Remaining() int64 {
	if r := q.LimitBytes - q.UsageBytes; r > 0 {
		return r
	}
	return 0
}

// QuotaView is the public projection of a MediaQuota.
type QuotaView struct {
	LimitBytes     int64 `json:"limitBytes"`
	UsageBytes     int64 `json:"usageBytes"`
	RemainingBytes int64 `json:"remainingBytes"`
}

// View projects the quota for API consumers.
func (q *MediaQuota) View() QuotaView {
	return QuotaView{LimitBytes: q.LimitBytes, UsageBytes: q.UsageBytes, RemainingBytes: q.Remaining()}
}
