package events

const (
	TypeMemberRoleGranted         = "workspace.member.role_granted.v1"
	TypeMemberRoleRevoked         = "workspace.member.role_revoked.v1"
	TypeMemberSuspended           = "workspace.member.suspended.v1"
	TypeCreditAdjusted            = "workspace.credit.adjusted.v1"
	TypeScheduleProposed          = "workspace.schedule.proposed.v1"
	TypeScheduleStatusChanged     = "workspace.schedule.status_changed.v1"
	TypeScheduleAssignApproved    = "workspace.schedule.assign_approved.v1"
	TypeScheduleAssignRejected    = "workspace.schedule.assign_rejected.v1"
	TypeEligibilityCheckRequested = "workspace.eligibility.check_requested.v1"
	TypeEligibilityChecked        = "workspace.eligibility.checked.v1"
	TypeTagAttached               = "workspace.tag.attached.v1"
	TypeAuditRecorded             = "workspace.audit.recorded.v1"
)

// DefaultCatalog declares every event type the platform emits.
func DefaultCatalog() *Catalog {
	return NewCatalog().MustRegister(
		Definition{TypeMemberRoleGranted, LaneCritical, TierSecurityBlock, "role granted to a workspace member"},
		Definition{TypeMemberRoleRevoked, LaneCritical, TierSecurityBlock, "role revoked from a workspace member"},
		Definition{TypeMemberSuspended, LaneCritical, TierSecurityBlock, "member suspended; all authority withdrawn"},
		Definition{TypeCreditAdjusted, LaneCritical, TierReviewRequired, "workspace credit balance adjusted"},
		Definition{TypeScheduleProposed, LaneStandard, TierReviewRequired, "schedule item proposed for an assignee"},
		Definition{TypeScheduleStatusChanged, LaneStandard, TierReviewRequired, "schedule item status transition"},
		Definition{TypeScheduleAssignApproved, LaneStandard, TierReviewRequired, "assignment approved by the assignment saga"},
		Definition{TypeScheduleAssignRejected, LaneStandard, TierReviewRequired, "assignment rejected; compensates a proposal"},
		Definition{TypeEligibilityCheckRequested, LaneStandard, TierSafeAuto, "eligibility check requested by a saga step"},
		Definition{TypeEligibilityChecked, LaneStandard, TierSafeAuto, "eligibility check result"},
		Definition{TypeTagAttached, LaneBackground, TierSafeAuto, "tag attached to a workspace"},
		Definition{TypeAuditRecorded, LaneBackground, TierSafeAuto, "audit log entry"},
	)
}
