package routing

import (
	"context"

	"sales-crm/internal/audit"
)

// AuditAdapter bridges the override audit hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.LogOverride(ctx, e.OverrideID, e.UserID, e.DelegateTo, e.IPAddress, e.Metadata)
}
