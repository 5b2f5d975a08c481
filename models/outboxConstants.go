package models

// Outbox publish statuses for NotificationRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Notification event types. Subscribers render delivery content from these.
const (
	EventGERequestSubmitted   = "ge_request.submitted"
	EventGERequestAdvanced    = "ge_request.advanced"
	EventGERequestQueried     = "ge_request.queried"
	EventGERequestResubmitted = "ge_request.resubmitted"
	EventGERequestApproved    = "ge_request.approved"
	EventGERequestDenied      = "ge_request.denied"
	EventGERequestAutoDenied  = "ge_request.auto_denied"
	EventCommitmentCreated    = "commitment.created"
	EventCommitmentCancelled  = "commitment.cancelled"
	EventVoucherCreated       = "payment_voucher.created"
	EventVoucherApproved      = "payment_voucher.approved"
	EventVoucherPaid          = "payment_voucher.paid"
	EventVoucherCancelled     = "payment_voucher.cancelled"
)
