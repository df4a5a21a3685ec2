package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repositories bundles the repository instances that share one pool, for
// entry points that wire several services together.
type Repositories struct {
	AuditLog  *AuditLogRepository
	Pseudonym *PseudonymRepository
	Integrity *IntegrityRepository
	Retention *RetentionPolicyRepository
	Alert     *AlertRepository
}

func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		AuditLog:  NewAuditLogRepository(pool),
		Pseudonym: NewPseudonymRepository(pool),
		Integrity: NewIntegrityRepository(pool),
		Retention: NewRetentionPolicyRepository(pool),
		Alert:     NewAlertRepository(pool),
	}
}
