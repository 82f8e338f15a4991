package domain

type NoticeKind string

const (
	NoticeAddFailed    NoticeKind = "add_failed"
	NoticeRemoveFailed NoticeKind = "remove_failed"
	NoticeUpdateFailed NoticeKind = "update_failed"
	NoticeOutOfStock   NoticeKind = "out_of_stock"
)

var noticeMessages = map[NoticeKind]string{
	NoticeAddFailed:    "failed to add product",
	NoticeRemoveFailed: "failed to remove product",
	NoticeUpdateFailed: "failed to update product amount",
	NoticeOutOfStock:   "requested amount is out of stock",
}

// Notice is a user-facing message raised by a cart operation.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

func NewNotice(kind NoticeKind) Notice {
	return Notice{Kind: kind, Message: noticeMessages[kind]}
}
