package net

import (
	"encoding/json"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"
)

// EventDelivery is one inbound event argument on its way through the router.
type EventDelivery struct {
	Name     string
	Raw      json.RawMessage
	Payload  gjson.Result
	Received time.Time
}

// EventFilterHandleFunc handles a delivery at one stage of the chain.
type EventFilterHandleFunc func(d *EventDelivery) error

// EventFilter intercepts deliveries. It calls f to continue down the chain or
// returns without calling it to stop the event.
type EventFilter func(d *EventDelivery, f EventFilterHandleFunc) error

// EventFilterChain runs filters in order before the final handler.
type EventFilterChain []EventFilter

// Handle runs d through the chain and then through f.
func (fc EventFilterChain) Handle(d *EventDelivery, f EventFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(d)
	}
	return fc[0](d, func(d *EventDelivery) error {
		return fc[1:].Handle(d, f)
	})
}

// recoverFilter turns a panic further down the chain into an error so a
// misbehaving listener cannot take the read loop down.
func recoverFilter(d *EventDelivery, f EventFilterHandleFunc) error {
	var pc panics.Catcher
	var err error
	pc.Try(func() {
		err = f(d)
	})
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
