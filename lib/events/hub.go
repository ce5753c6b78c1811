// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package events distributes reservation and spot state changes to
// subscribers.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	Allocated     Kind = "Allocated"
	Denied        Kind = "Denied"
	Released      Kind = "Released"
	SpotOpened    Kind = "SpotOpened"
	SpotAdmitted  Kind = "SpotAdmitted"
	SpotEvicted   Kind = "SpotEvicted"
	SpotClosed    Kind = "SpotClosed"
	SpotCancelled Kind = "SpotCancelled"
	PriceChanged  Kind = "PriceChanged"
)

// An Event describes one state change.
type Event struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Instances []string  `json:"instances,omitempty"`
	Hostnames []string  `json:"hostnames,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// DefaultBuffer is the number of undelivered events held for a slow
// subscriber before further events are dropped.
const DefaultBuffer = 64

// Hub fans out published events. The zero value is not usable; use
// NewHub.
type Hub struct {
	logger logrus.FieldLogger
	buffer int

	mtx         sync.Mutex
	subscribers map[<-chan Event]chan Event

	mDropped prometheus.Counter
}

func NewHub(logger logrus.FieldLogger, reg *prometheus.Registry) *Hub {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h := &Hub{
		logger:      logger,
		buffer:      DefaultBuffer,
		subscribers: map[<-chan Event]chan Event{},
		mDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events not delivered because a subscriber's buffer was full.",
		}),
	}
	reg.MustRegister(h.mDropped)
	return h
}

// Subscribe returns a channel that receives every event published
// after this call, until Unsubscribe.
func (h *Hub) Subscribe() <-chan Event {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	ch := make(chan Event, h.buffer)
	h.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops delivery and closes the channel.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if send, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(send)
	}
}

// Publish delivers ev to every subscriber without blocking. A nil
// Hub discards events.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, send := range h.subscribers {
		select {
		case send <- ev:
		default:
			h.mDropped.Inc()
			h.logger.WithFields(logrus.Fields{
				"Kind":      ev.Kind,
				"RequestID": ev.RequestID,
			}).Warn("subscriber is not keeping up, dropped event")
		}
	}
}
