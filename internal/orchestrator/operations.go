package orchestrator

import (
	"context"
	"time"

	"fleet/internal/governor"
	"fleet/internal/instance"
	"fleet/internal/mailbox"
	"fleet/internal/registry"
	"fleet/internal/router"
	"fleet/internal/supervisor"
)

// Spawn starts an instance and returns its id once it is running.
func (o *Orchestrator) Spawn(ctx context.Context, cfg instance.SpawnConfig) (string, error) {
	return o.registry.Spawn(ctx, cfg)
}

// Terminate ends id and its whole subtree. Terminating an instance that has
// already ended reports true.
func (o *Orchestrator) Terminate(ctx context.Context, id string, force bool) (bool, error) {
	return o.registry.Terminate(ctx, id, registry.TerminateOptions{
		Force:  force,
		Reason: "terminated by request",
	})
}

func (o *Orchestrator) Status(id string) (instance.Instance, error) {
	return o.registry.Status(id)
}

func (o *Orchestrator) Summary() instance.Summary {
	return o.registry.Summary()
}

// Tree returns the hierarchy under rootID, or every live root when rootID is
// empty.
func (o *Orchestrator) Tree(rootID string) (instance.TreeNode, error) {
	return o.registry.Tree(rootID)
}

func (o *Orchestrator) GetChildren(id string) ([]instance.Instance, error) {
	return o.registry.Children(id)
}

// RecordUsage adds a usage report to id's counters.
func (o *Orchestrator) RecordUsage(id string, usage instance.Usage) error {
	return o.registry.RecordUsage(id, usage)
}

// OutputTail returns up to lines recent output lines of id.
func (o *Orchestrator) OutputTail(id string, lines int) ([]string, error) {
	return o.registry.OutputTail(id, lines)
}

func (o *Orchestrator) Send(ctx context.Context, req router.SendRequest) (router.SendResult, error) {
	return o.router.Send(ctx, req)
}

func (o *Orchestrator) Reply(req router.ReplyRequest) (router.ReplyAck, error) {
	return o.router.Reply(req)
}

// PollReplies drains id's response queue, waiting up to wait for the first
// message when it is empty.
func (o *Orchestrator) PollReplies(ctx context.Context, id string, wait time.Duration) ([]mailbox.Message, error) {
	return o.router.PollReplies(ctx, id, wait)
}

func (o *Orchestrator) Broadcast(ctx context.Context, parentID, content string) (int, error) {
	return o.router.Broadcast(ctx, parentID, content)
}

func (o *Orchestrator) CoordinatorID() string {
	return o.router.CoordinatorID()
}

func (o *Orchestrator) SupervisorID() string {
	return o.router.SupervisorID()
}

// Sweep runs one governor pass immediately.
func (o *Orchestrator) Sweep(ctx context.Context) []governor.Action {
	return o.governor.Sweep(ctx)
}

// StartSupervision starts the supervisor loop; false means it was already
// running.
func (o *Orchestrator) StartSupervision(ctx context.Context) bool {
	return o.supervisor.Start(ctx)
}

// StopSupervision stops the supervisor loop; false means it was not running.
func (o *Orchestrator) StopSupervision() bool {
	return o.supervisor.Stop()
}

func (o *Orchestrator) SupervisionRunning() bool {
	return o.supervisor.Running()
}

// Supervise runs one supervision cycle immediately.
func (o *Orchestrator) Supervise(ctx context.Context) []supervisor.Intervention {
	return o.supervisor.Evaluate(ctx)
}

// GetInterventions lists the interventions taken for id, oldest first.
func (o *Orchestrator) GetInterventions(id string) []supervisor.Intervention {
	return o.supervisor.Interventions(id)
}

// ClearEscalation lets the supervisor act on id again after an escalation.
func (o *Orchestrator) ClearEscalation(id string) bool {
	return o.supervisor.ClearEscalation(id)
}
