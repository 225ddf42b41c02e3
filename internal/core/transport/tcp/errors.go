package tcp

import "errors"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("transport closed")

	// ErrNoHandler 尚未绑定本地处理者
	ErrNoHandler = errors.New("no handler bound")

	// ErrHandshake 握手失败
	ErrHandshake = errors.New("handshake failed")
)
