package common

type MsgType string

// client -> server
const (
	JoinDocument   MsgType = "join-document"
	UpdateDocument MsgType = "update-document"
	SaveDocument   MsgType = "save-document"
	LeaveDocument  MsgType = "leave-document"
)

// server -> client
const (
	DocumentUpdate MsgType = "document-update"
	UserList       MsgType = "user-list"
	UserJoined     MsgType = "user-joined"
	UserLeft       MsgType = "user-left"
	OperationAck   MsgType = "operation-ack"
	SaveSuccess    MsgType = "save-success"
	ErrorRes       MsgType = "error"
)

type Request struct {
	Type       MsgType `json:"type"`
	DocumentID string  `json:"documentId"`

	StorageKey string `json:"storageKey,omitempty"` // join, save
	MimeType   string `json:"mimeType,omitempty"`   // save

	Operation      *Operation `json:"operation,omitempty"`
	BatchID        int64      `json:"batchId,omitempty"`
	IsLastInBatch  bool       `json:"isLastInBatch,omitempty"`
	ClientRevision int        `json:"clientRevision"`
}

type Response struct {
	Type       MsgType `json:"type"`
	DocumentID string  `json:"documentId,omitempty"`

	Content        string `json:"content"`
	Revision       int    `json:"revision"`
	ForceUpdate    bool   `json:"forceUpdate,omitempty"`
	SourceClientID string `json:"sourceClientId,omitempty"`

	Clients  []string `json:"clients,omitempty"`  // user-list
	ClientID string   `json:"clientId,omitempty"` // user-joined, user-left

	BatchID       int64 `json:"batchId,omitempty"`
	IsLastInBatch bool  `json:"isLastInBatch,omitempty"`

	Error *Error `json:"error,omitempty"`
}

// ErrorResponse builds the error message for err, scoped to a document.
func ErrorResponse(docID string, err error) Response {
	e, ok := AsError(err)
	if !ok {
		e = &Error{Code: CodeMalformedMessage, Message: err.Error()}
	}
	return Response{
		Type:       ErrorRes,
		DocumentID: docID,
		Error:      e,
	}
}
