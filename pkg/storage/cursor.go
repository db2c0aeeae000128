package storage

import (
	"context"

	"github.com/conduit-lang/odm/pkg/document"
)

// SliceCursor iterates over documents held in memory
type SliceCursor struct {
	docs    []document.Raw
	pos     int
	current document.Raw
	err     error
}

// NewSliceCursor creates a cursor over docs
func NewSliceCursor(docs []document.Raw) *SliceCursor {
	return &SliceCursor{docs: docs}
}

// Next advances the cursor
func (c *SliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos >= len(c.docs) {
		c.current = nil
		return false
	}
	c.current = c.docs[c.pos]
	c.pos++
	return true
}

// Current returns the document at the cursor position
func (c *SliceCursor) Current() document.Raw {
	return c.current
}

// Err returns the error that stopped iteration
func (c *SliceCursor) Err() error {
	return c.err
}

// Close releases the cursor
func (c *SliceCursor) Close(context.Context) error {
	c.docs = nil
	return nil
}

// Len returns the total number of documents
func (c *SliceCursor) Len() int {
	return len(c.docs)
}
