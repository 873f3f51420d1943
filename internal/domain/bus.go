package domain

import "time"

// InboundMessage is user input arriving from a channel.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// OutboundEvent carries one pipeline chunk (boundary marker or passthrough)
// to a channel for display. Done marks the end of a turn: the run finished
// and no more chunks will follow until the next inbound message.
type OutboundEvent struct {
	Channel string
	ChatID  string
	Chunk   Chunk
	Done    bool
}

// MessageBus routes messages between channels and the interpreter loop.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(evt OutboundEvent)
	OnOutbound(channelName string, handler func(OutboundEvent))
	Close()
}
