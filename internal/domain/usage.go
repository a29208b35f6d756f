package domain

import "time"

type UsageLog struct {
	UserID        string
	RemovalID     string
	InputBytes    int64
	OutputBytes   int64
	Polls         int
	Cached        bool
	ComputeTimeMS int64
	CreatedAt     time.Time
}
