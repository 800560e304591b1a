package session

import "context"

// Item is one outbound media chunk.
type Item struct {
	MIMEType string
	Data     []byte
}

// MediaSender is the slice of the connection the outbound queue needs.
type MediaSender interface {
	SendMedia(ctx context.Context, mimeType string, data []byte) error
}

// Outbound is a bounded FIFO of media chunks feeding a single sender
// goroutine, so audio and frames from different producers never
// interleave mid-chunk.
type Outbound struct {
	items chan Item
}

// NewOutbound creates a queue holding up to size items.
func NewOutbound(size int) *Outbound {
	return &Outbound{items: make(chan Item, size)}
}

// Put enqueues an item, blocking while the queue is full. Audio
// producers ride this backpressure instead of dropping speech.
func (o *Outbound) Put(ctx context.Context, item Item) error {
	select {
	case o.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue into sender in FIFO order until ctx ends.
func (o *Outbound) Run(ctx context.Context, sender MediaSender) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-o.items:
			if err := sender.SendMedia(ctx, item.MIMEType, item.Data); err != nil {
				return err
			}
		}
	}
}
