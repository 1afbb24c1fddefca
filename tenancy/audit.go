package tenancy

import (
	"sync"
	"time"

	"github.com/tabula-io/tabula/hook"
)

const defaultAuditCapacity = 1000

// AuditEntry is one recorded isolation decision.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id,omitempty"`
	Object    string    `json:"object"`
	Operation string    `json:"operation"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// auditRing is a bounded buffer; when full, the oldest entry is dropped.
type auditRing struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditRing(capacity int) *auditRing {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &auditRing{entries: make([]AuditEntry, capacity)}
}

func (r *auditRing) add(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns up to limit entries, newest first. limit <= 0 means
// all.
func (r *auditRing) snapshot(limit int) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]AuditEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

func (r *auditRing) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// record appends a decision when auditing is on.
func (p *Plugin) record(hctx *hook.Context, tenant string, allowed bool, reason string) {
	if !p.cfg.EnableAudit {
		return
	}
	userID := ""
	if hctx.User != nil {
		userID = hctx.User.ID
	}
	p.audit.add(AuditEntry{
		Time:      time.Now(),
		TenantID:  tenant,
		UserID:    userID,
		Object:    hctx.Object,
		Operation: hctx.Operation,
		Allowed:   allowed,
		Reason:    reason,
	})
}

// GetAuditLogs returns up to limit decisions, newest first; limit <= 0
// returns everything retained.
func (p *Plugin) GetAuditLogs(limit int) []AuditEntry {
	return p.audit.snapshot(limit)
}

// ClearAuditLogs empties the ring.
func (p *Plugin) ClearAuditLogs() {
	p.audit.clear()
}
