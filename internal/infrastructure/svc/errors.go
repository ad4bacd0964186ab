package svc

import "errors"

// ErrUnsupportedExchange 错误：没有该交易所的连接器实现
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
