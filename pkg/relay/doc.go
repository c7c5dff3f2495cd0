// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the platform independent core of the chat relay:
// it decides, for every inbound message, which chats receive a copy and how
// replies are threaded across platforms.
//
// # Core Types
//
// [UnifiedMessage] is the platform independent message. Its [ChatAttribute]
// carries the sender and, recursively, the forward origin and reply target.
//
// [Topology] holds the explicit and default forwarding edges. It is built
// once by [BuildTopology] and is read-only afterwards.
//
// [RelationStore] correlates a message with every copy the relay posted, so a
// reply to any copy can be threaded on any other platform. Message ids of
// copies stay pending until the destination driver returns them.
//
// [HookPipeline] holds ordered interceptors scoped by source and destination.
//
// [Dispatcher] ties these together and talks to platform drivers through the
// [Registry].
//
// # Routing
//
// A dispatch runs source hooks, then tries the reply shortcut (a reply to one
// of the relay's own copies goes straight back to the original chat), then
// either default routing or the explicit fan-out. A failed edge never stops
// the remaining edges.
package relay
