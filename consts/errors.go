package consts

import "errors"

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMalformedMessage = errors.New("malformed message")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrContentUploadFailed  = errors.New("content upload failed")
	ErrContentNotFound      = errors.New("content not found")
	ErrDeliveryNotAttempted = errors.New("delivery not attempted")
)
