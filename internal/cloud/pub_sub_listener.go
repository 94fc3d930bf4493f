// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud provides components for interacting with Google Cloud services.
// This file defines a generic, reusable Pub/Sub message listener. The listener
// abstracts the complexity of receiving messages from a Pub/Sub subscription
// and delegates the actual message processing to a handler function attached
// at wiring time.
//
// Logic Flow:
//  1. An instance of PubSubListener is created with a client and a subscription ID.
//  2. A handler function is attached to this listener.
//  3. The `Listen` method is called, which starts an asynchronous background process (a goroutine).
//  4. This goroutine continuously waits for new messages from the specified subscription.
//  5. When a message arrives, it's passed to the attached handler.
//  6. The message is "acknowledged" (Ack'd) only if the handler completes successfully,
//     ensuring reliable, at-least-once message processing.
//  7. The entire process is instrumented with OpenTelemetry for tracing and monitoring.
//
// Structs:
//   - PubSubListener: Manages the connection to a Pub/Sub subscription and holds
//     the handler that will process incoming messages.
//
// Functions:
//   - NewPubSubListener: Constructor for creating a new PubSubListener.
//   - SetHandler: Attaches a processing handler to the listener.
//   - Listen: Starts the background process to receive and handle messages.
package cloud

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MessageHandler is the business logic executed for each Pub/Sub message.
// Returning a non-nil error leaves the message un-acked so it is redelivered
// after the acknowledgement deadline, following the subscription's retry
// policy.
type MessageHandler func(ctx context.Context, data []byte) error

// PubSubListener is a struct that encapsulates the components needed to listen
// to a specific Google Cloud Pub/Sub subscription. It acts as a wrapper that
// connects a subscription to a processing handler. Since listeners have a
// life-cycle independent of individual API requests, they are considered a
// core "cloud" component.
type PubSubListener struct {
	client       *pubsub.Client       // The client for interacting with the Pub/Sub service.
	subscription *pubsub.Subscription // The specific subscription this listener will pull messages from.
	handler      MessageHandler       // The handler to execute for each message received.
}

// NewPubSubListener is the constructor for creating a PubSubListener. It initializes
// the listener with a Pub/Sub client, the ID of the subscription to listen to, and
// the handler that will process the messages.
//
// Inputs:
//   - pubsubClient: An authenticated *pubsub.Client for connecting to the service.
//   - subscriptionID: The string ID of the subscription (e.g., "my-subscription").
//   - handler: The business logic to execute on each message; may be nil and
//     attached later with SetHandler.
//
// Outputs:
//   - *PubSubListener: A pointer to the newly created and configured listener.
//   - error: An error if the listener could not be created.
func NewPubSubListener(
	pubsubClient *pubsub.Client,
	subscriptionID string,
	handler MessageHandler,
) (*PubSubListener, error) {
	sub := pubsubClient.Subscription(subscriptionID)
	return &PubSubListener{
		client:       pubsubClient,
		subscription: sub,
		handler:      handler,
	}, nil
}

// SetHandler attaches a handler to the listener. This is useful for scenarios
// where the listener is created before the full processing pipeline is
// assembled. It ensures that a handler is not accidentally overwritten.
//
// Inputs:
//   - handler: The MessageHandler to be executed when a message is received.
func (m *PubSubListener) SetHandler(handler MessageHandler) {
	if m.handler == nil {
		m.handler = handler
	}
}

// Listen starts the asynchronous message receiving process. It runs in a separate
// goroutine so it doesn't block the main application thread. This allows the server
// to continue handling other tasks (like API requests) while listening for messages
// in the background.
//
// Inputs:
//   - ctx: A context.Context that controls the lifecycle of the listener. If this
//     context is canceled (e.g., during graceful shutdown), the message receiving will stop.
func (m *PubSubListener) Listen(ctx context.Context) {
	slog.Info("starting pub/sub listener", "subscription", m.subscription.String())

	go func() {
		// Spans let us trace the journey of a single message through the system.
		tracer := otel.Tracer("message-listener")

		// The subscription.Receive method blocks and waits for messages. It takes a
		// callback function that will be executed for each message that arrives.
		err := m.subscription.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
			spanCtx, span := tracer.Start(ctx, "receive-message")
			span.SetAttributes(attribute.String("msg", string(msg.Data)))

			if err := m.handler(spanCtx, msg.Data); err != nil {
				span.SetStatus(codes.Error, "failed")
				slog.Error("error handling pub/sub message", "subscription", m.subscription.String(), "error", err)
				// Leaving the message un-acked lets it be redelivered after its
				// acknowledgement deadline expires.
			} else {
				span.SetStatus(codes.Ok, "success")
				msg.Ack()
			}

			span.End()
		})

		// Receive exits when the context is canceled; anything else is logged.
		if err != nil {
			slog.Error("error receiving pub/sub data", "subscription", m.subscription.String(), "error", err)
		}
	}()
}
