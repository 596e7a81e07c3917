package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// wireMessage is the JSON form of a Message. TTL travels in milliseconds.
type wireMessage struct {
	ID            uuid.UUID  `json:"id"`
	Type          Type       `json:"type"`
	Source        uri.URI    `json:"source"`
	Sink          uri.URI    `json:"sink"`
	Priority      Priority   `json:"priority"`
	TTL           int64      `json:"ttl,omitempty"`
	ReqID         *uuid.UUID `json:"reqid,omitempty"`
	CommStatus    codes.Code `json:"commstatus,omitempty"`
	PayloadFormat string     `json:"payloadFormat,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:            m.id,
		Type:          m.typ,
		Source:        m.source,
		Sink:          m.sink,
		Priority:      m.priority,
		TTL:           m.ttl.Milliseconds(),
		CommStatus:    m.commStatus,
		PayloadFormat: m.payloadFormat,
		Payload:       m.payload,
	}
	if m.reqID != uuid.Nil {
		reqID := m.reqID
		w.ReqID = &reqID
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. A missing id is generated.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		id:            w.ID,
		typ:           w.Type,
		source:        w.Source,
		sink:          w.Sink,
		priority:      w.Priority,
		ttl:           time.Duration(w.TTL) * time.Millisecond,
		commStatus:    w.CommStatus,
		payloadFormat: w.PayloadFormat,
		payload:       w.Payload,
	}
	if w.ReqID != nil {
		m.reqID = *w.ReqID
	}
	if m.id == uuid.Nil {
		m.id = NewID()
	}
	return nil
}
