package common

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidEvent = errors.New("invalid checkout event")
	ErrMissingField = errors.New("missing required field")
)

// CheckoutEvent is the message emitted once per completed list checkout.
// TotalItems and TotalGasto are pointers so that an absent field can be told
// apart from an explicit zero.
type CheckoutEvent struct {
	ListID      string    `json:"listId"`
	ListName    string    `json:"listName"`
	UserName    string    `json:"userName"`
	UserEmail   string    `json:"userEmail"`
	TotalItems  *int      `json:"totalItems,omitempty"`
	TotalGasto  *float64  `json:"totalGasto,omitempty"`
	CompletedAt Timestamp `json:"completedAt"`
}

// UnmarshalJSON accepts listId as a string or a number. Other fields decode
// with their declared types.
func (e *CheckoutEvent) UnmarshalJSON(data []byte) error {
	type plain CheckoutEvent
	aux := struct {
		ListID json.RawMessage `json:"listId"`
		*plain
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id, err := decodeListID(aux.ListID)
	if err != nil {
		return err
	}
	e.ListID = id
	return nil
}

// decodeListID unquotes a string id and keeps any other token, usually a
// number, as its JSON text.
func decodeListID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] != '"' {
		return string(raw), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Wrap(err, "listId")
	}
	return s, nil
}

// NewCheckoutEvent builds a fully populated event.
func NewCheckoutEvent(listID, listName, userName, userEmail string, totalItems int, totalGasto float64, completedAt time.Time) (*CheckoutEvent, error) {
	if listID == "" {
		return nil, errors.Wrap(ErrMissingField, "listId")
	}
	if totalItems < 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "totalItems must be non-negative")
	}
	if totalGasto < 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "totalGasto must be non-negative")
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	return &CheckoutEvent{
		ListID:      listID,
		ListName:    listName,
		UserName:    userName,
		UserEmail:   userEmail,
		TotalItems:  &totalItems,
		TotalGasto:  &totalGasto,
		CompletedAt: NewTimestamp(completedAt),
	}, nil
}

// DecodeCheckoutEvent parses a delivery body. Malformed JSON, non-numeric or
// negative totals are errors. Absent totals are not, and completedAt is
// kept as sent whatever its form.
func DecodeCheckoutEvent(body []byte) (*CheckoutEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "empty payload")
	}
	var event CheckoutEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.Wrapf(ErrInvalidEvent, "decode: %v", err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Validate checks the structural invariants shared by every consumer.
func (e *CheckoutEvent) Validate() error {
	if e.TotalItems != nil && *e.TotalItems < 0 {
		return errors.Wrap(ErrInvalidEvent, "totalItems must be non-negative")
	}
	if e.TotalGasto != nil && *e.TotalGasto < 0 {
		return errors.Wrap(ErrInvalidEvent, "totalGasto must be non-negative")
	}
	return nil
}

// ValidateReceipt checks the fields a receipt cannot be rendered without.
func (e *CheckoutEvent) ValidateReceipt() error {
	if e.ListID == "" {
		return errors.Wrap(ErrMissingField, "listId")
	}
	if e.UserEmail == "" {
		return errors.Wrap(ErrMissingField, "userEmail")
	}
	if e.TotalItems == nil {
		return errors.Wrap(ErrMissingField, "totalItems")
	}
	if e.TotalGasto == nil {
		return errors.Wrap(ErrMissingField, "totalGasto")
	}
	return nil
}

// Items returns totalItems, or zero when the field was absent.
func (e *CheckoutEvent) Items() int {
	if e.TotalItems == nil {
		return 0
	}
	return *e.TotalItems
}

// Spent returns totalGasto, or zero when the field was absent.
func (e *CheckoutEvent) Spent() float64 {
	if e.TotalGasto == nil {
		return 0
	}
	return *e.TotalGasto
}
