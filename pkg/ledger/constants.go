package ledger

const (
	operationReserve     = "reserve"
	operationComplete    = "complete"
	operationFail        = "fail"
	operationRefund      = "refund"
	operationRetry       = "retry"
	operationRecharge    = "recharge"
	operationRecordOrder = "record_order"
	operationOrderStatus = "order_status"
	operationLinkEmail   = "link_email"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusNoop      = "noop"

	defaultMaxRetries       = 2
	defaultListLimit        = 50
	maxListLimit            = 200
	defaultOperationType    = "image_generation"
	errorOperationService   = "service"
	errorSubjectTransaction = "transaction"
	errorCodeReread         = "reread"
)
