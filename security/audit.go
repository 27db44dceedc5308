package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intentgate/intentgate/core"
)

// AuditAction classifies what a record describes.
type AuditAction string

const (
	ActionRead    AuditAction = "read"
	ActionCreate  AuditAction = "create"
	ActionUpdate  AuditAction = "update"
	ActionDelete  AuditAction = "delete"
	ActionModify  AuditAction = "modify"
	ActionAccess  AuditAction = "access"
	ActionExecute AuditAction = "execute"
)

// AuditRecord is one entry in the append-only audit trail.
type AuditRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       AuditAction            `json:"action"`
	Resource     string                 `json:"resource"`
	Method       string                 `json:"method,omitempty"`
	StatusCode   int                    `json:"status_code"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// AuditSink stores audit records and answers the two required queries.
// Implementations must be safe for concurrent use.
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord)
	QueryByUser(userID string, limit int) []AuditRecord
	QueryByResource(resource string, limit int) []AuditRecord
}

// MemoryAuditSink keeps the most recent records in a bounded in-memory
// ring.
type MemoryAuditSink struct {
	mu       sync.RWMutex
	records  []AuditRecord
	capacity int
	logger   core.Logger
}

// NewMemoryAuditSink creates a bounded audit sink. capacity <= 0 defaults
// to 10000 records.
func NewMemoryAuditSink(capacity int, logger core.Logger) *MemoryAuditSink {
	if capacity <= 0 {
		capacity = 10000
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryAuditSink{
		capacity: capacity,
		logger:   logger,
	}
}

// Record appends one record, assigning its id and UTC timestamp. A status
// in [200,300) marks success.
func (s *MemoryAuditSink) Record(ctx context.Context, record AuditRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	} else {
		record.Timestamp = record.Timestamp.UTC()
	}
	record.Success = record.StatusCode >= 200 && record.StatusCode < 300

	if id := core.CorrelationIDFrom(ctx); id != "" {
		if record.Context == nil {
			record.Context = map[string]interface{}{}
		}
		record.Context["correlation_id"] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
}

// QueryByUser returns the user's records, most recent first.
func (s *MemoryAuditSink) QueryByUser(userID string, limit int) []AuditRecord {
	return s.query(limit, func(r *AuditRecord) bool { return r.UserID == userID })
}

// QueryByResource returns records for a resource, most recent first.
func (s *MemoryAuditSink) QueryByResource(resource string, limit int) []AuditRecord {
	return s.query(limit, func(r *AuditRecord) bool { return r.Resource == resource })
}

func (s *MemoryAuditSink) query(limit int, match func(*AuditRecord) bool) []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if match(&s.records[i]) {
			out = append(out, s.records[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
