package api

// LengthResponse is the body of GET /api/v1/queues/{queue}/length.
type LengthResponse struct {
	Queue  string `json:"queue"`
	Length int64  `json:"length"`
}

// QueueListResponse is the body of GET /api/v1/queues.
type QueueListResponse struct {
	Queues []string `json:"queues"`
}
