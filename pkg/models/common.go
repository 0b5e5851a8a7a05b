package models

import "encoding/json"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// DataResponse is the success envelope for a single resource: the message
// sits next to the resource's own fields. Data that does not encode as an
// object is nested under "data".
type DataResponse struct {
	Message string
	Data    interface{}
}

// MarshalJSON flattens Data into the envelope.
func (r DataResponse) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return json.Marshal(struct {
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}{r.Message, body})
	}
	msg, err := json.Marshal(r.Message)
	if err != nil {
		return nil, err
	}
	fields["message"] = msg
	return json.Marshal(fields)
}

// ListResponse wraps a page of results
type ListResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Limit   int         `json:"limit,omitempty"`
	Offset  int         `json:"offset,omitempty"`
}
