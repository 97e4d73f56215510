// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgegate/edgegate/services/gateway/control"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
	"github.com/edgegate/edgegate/services/gateway/uplink"
)

// Deliverer transmits one policy envelope to one target. Implementations
// must be safe for concurrent use.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, env Envelope) error

func (f DelivererFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// WebsocketDeliverer pushes policy updates over the control channel.
type WebsocketDeliverer struct {
	channel *control.Channel
}

// NewWebsocketDeliverer wraps the control channel.
func NewWebsocketDeliverer(ch *control.Channel) (*WebsocketDeliverer, error) {
	if ch == nil {
		return nil, errors.New("channel must not be nil")
	}
	return &WebsocketDeliverer{channel: ch}, nil
}

// Deliver sends a policy_update message. An offline channel is a transient
// failure; queuing behind a dead connection would report delivery the
// backend never saw.
func (d *WebsocketDeliverer) Deliver(ctx context.Context, env Envelope) error {
	if d.channel.State() != control.StateConnected {
		return gerrors.Transient(errors.New("control channel not connected"))
	}
	body, err := json.Marshal(env)
	if err != nil {
		return gerrors.Permanentf("encode policy envelope: %v", err)
	}
	return d.channel.Send(control.Message{
		Type:     "policy_update",
		Payload:  body,
		Priority: 2,
	})
}

// RestDeliverer posts policy updates to the per-target callback endpoint.
type RestDeliverer struct {
	client *uplink.Client
	prefix string
}

// NewRestDeliverer wraps an uplink client. The client should carry a single
// attempt budget; the engine owns per-target retry.
func NewRestDeliverer(client *uplink.Client, endpointPrefix string) (*RestDeliverer, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if endpointPrefix == "" {
		endpointPrefix = "/v1/policies/deliver/"
	}
	return &RestDeliverer{client: client, prefix: endpointPrefix}, nil
}

func (d *RestDeliverer) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return gerrors.Permanentf("encode policy envelope: %v", err)
	}
	_, err = d.client.Send(ctx, uplink.Request{
		Endpoint: fmt.Sprintf("%s%s/%s", d.prefix, env.Target.Type, env.Target.ID),
		Payload:  body,
	})
	return err
}
