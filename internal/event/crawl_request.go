package event

import "fmt"

// CrawlRequest is emitted once a task is accepted as NEW. It is keyed by
// TaskID so every message about one task lands on the same partition.
type CrawlRequest struct {
	TaskID        string `json:"taskId"`
	UserEmail     string `json:"userEmail"`
	UserQuery     string `json:"userQuery"`
	OriginalURL   string `json:"originalUrl"`
	TraceParent   string `json:"traceparent,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Encode serializes the request payload.
func (r CrawlRequest) Encode() ([]byte, error) {
	b, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode crawl request: %w", err)
	}
	return b, nil
}

// DecodeCrawlRequest parses a payload produced by Encode.
func DecodeCrawlRequest(payload []byte) (CrawlRequest, error) {
	var r CrawlRequest
	if err := Unmarshal(payload, &r); err != nil {
		return CrawlRequest{}, fmt.Errorf("decode crawl request: %w", err)
	}
	return r, nil
}

// Metadata is the header set attached to the outbound message.
func (r CrawlRequest) Metadata() map[string]string {
	md := map[string]string{HeaderTaskID: r.TaskID}
	if r.TraceParent != "" {
		md[HeaderTraceParent] = r.TraceParent
	}
	if r.CorrelationID != "" {
		md[HeaderCorrelationID] = r.CorrelationID
	}
	return md
}
