package remote

// Wire types shared by the HTTP client and the development server.

// FrameSnapshot is the only frame type sent on a subscription socket.
const FrameSnapshot = "snapshot"

// Frame is one message on a subscription socket. Every frame carries the
// board's full item set.
type Frame struct {
	Type      string     `json:"type"`
	BoardID   string     `json:"boardId"`
	Items     []Document `json:"items"`
	Timestamp int64      `json:"timestamp"`
}

// ErrorBody is the JSON body of an unsuccessful HTTP response.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
