package domain

import "errors"

var (
	ErrInvalidKeyFormat     = errors.New("invalid stream key format")
	ErrExpiredKey           = errors.New("stream key has expired")
	ErrRateLimited          = errors.New("stream key issuance rate limited")
	ErrMalformedPublishPath = errors.New("malformed publish path")
	ErrChannelDisconnected  = errors.New("status channel disconnected")
	ErrPollFailed           = errors.New("status poll failed")
	ErrExternalEngineFault  = errors.New("external media engine fault")
	ErrFatalProcessFault    = errors.New("fatal process fault")
)
