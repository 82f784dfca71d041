package storage

import (
	"time"

	"github.com/google/uuid"
)

// Run 记录一次写入流水线的执行过程。
type Run struct {
	ID           uuid.UUID
	RequestHash  string
	UserAddress  string
	State        string
	ModelVersion string
	CID          string
	TxHash       string
	Attempts     int
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Failed reports whether the run ended with an error message.
func (r Run) Failed() bool { return r.Error != nil && *r.Error != "" }
