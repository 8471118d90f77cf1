package messages

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"board/internal/storage"
)

const (
	// MaxContentLength is the largest accepted message body, in characters.
	MaxContentLength = 5_000_000
)

var (
	ErrEmptyContent    = errors.New("empty content")
	ErrContentTooLarge = errors.New("content too large")
)

// displayZone is the fixed offset used for all stored display fields,
// independent of the server's locale and clock zone.
var displayZone = time.FixedZone("UTC+05:30", (5*60+30)*60)

// ValidateContent enforces the 1..MaxContentLength character bounds.
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLarge
	}
	return nil
}

// DisplayFields formats t in the fixed UTC+05:30 offset. The results are
// persisted with the record so they stay stable across reads.
func DisplayFields(t time.Time) (date, clock, month, year string) {
	local := t.In(displayZone)
	return local.Format("02/01/2006"),
		local.Format("3:04:05 PM"),
		local.Format("January"),
		local.Format("2006")
}

// Gateway is the append-only write and time-ordered read surface over the
// message store.
type Gateway struct {
	store storage.MessagesStore
}

func NewGateway(store storage.MessagesStore) *Gateway {
	return &Gateway{store: store}
}

func (g *Gateway) Append(ctx context.Context, author, content string, createdAt time.Time) error {
	if err := ValidateContent(content); err != nil {
		return err
	}

	date, clock, month, year := DisplayFields(createdAt)
	m := storage.Message{
		Author:       author,
		Content:      content,
		CreatedAt:    createdAt,
		DisplayDate:  date,
		DisplayTime:  clock,
		DisplayMonth: month,
		DisplayYear:  year,
	}

	if err := g.store.Insert(ctx, m); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (g *Gateway) ListAll(ctx context.Context) ([]storage.Message, error) {
	msgs, err := g.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
