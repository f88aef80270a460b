// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package placement decides which runner starts an agent and routes
// start and stop requests to it.
//
// An agent_start names the user the agent acts as. The eligible hosts
// are the ones assigned to that user in the directory, or every
// connected host when the user has no assignment. Of those, only
// connected hosts that declared the run-agents capability count. The
// host with the fewest active agents wins; ties go to the lowest host
// id so the same load always yields the same choice. The request is
// forwarded with an ack, and the target's answer is relayed back to
// the requester. A successful start records the agent in the load
// tracker and hands the task description to a [TaskDeliverer].
//
// An agent_stop is forwarded to every host the load tracker believes
// is running the agent. The requester receives the first answer;
// every successful answer clears that host's load entry.
//
// Protocol failures are answered as {success: false, error}, never as
// Go errors.
package placement
