// Package router moves messages between instances and correlates replies
// with the requests that caused them.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fleet/internal/buffer"
	"fleet/internal/clock"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/mailbox"
	"fleet/internal/metrics"
)

const (
	DefaultCoordinatorID = "coordinator"
	DefaultSupervisorID  = "supervisor"

	defaultSendTimeout    = 60 * time.Second
	defaultHistorySize    = 512
	defaultBroadcastLimit = 8
)

// Instances is the registry surface the router relies on.
type Instances interface {
	Status(id string) (instance.Instance, error)
	ListActive() []instance.Instance
	Children(id string) ([]instance.Instance, error)
	SendInput(ctx context.Context, id string, text string) error
	RecordUsage(id string, usage instance.Usage) error
	Touch(id string) error
}

type Options struct {
	Instances      Instances
	Mailboxes      *mailbox.Store
	CoordinatorID  string
	SupervisorID   string
	SendTimeout    time.Duration
	HistorySize    int
	BroadcastLimit int
	Clock          clock.Clock
	Logger         *logging.Logger
	Bus            *event.Bus[event.MessageEvent]
	Metrics        *metrics.Registry
}

type SendRequest struct {
	SenderID     string        `json:"sender_id"`
	RecipientID  string        `json:"recipient_id"`
	Content      string        `json:"content"`
	WaitForReply bool          `json:"wait_for_reply"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

type SendResult struct {
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
	Reply     string `json:"reply,omitempty"`
	ReplyFrom string `json:"reply_from,omitempty"`
}

type ReplyRequest struct {
	ResponderID   string `json:"responder_id"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ReplyAck struct {
	TargetID      string `json:"target_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Matched reports whether the reply was routed by correlation id.
	Matched bool `json:"matched"`
}

type Router struct {
	instances      Instances
	mailboxes      *mailbox.Store
	coordinatorID  string
	supervisorID   string
	sendTimeout    time.Duration
	broadcastLimit int
	clock          clock.Clock
	logger         *logging.Logger
	bus            *event.Bus[event.MessageEvent]
	metrics        *metrics.Registry

	mu      sync.Mutex
	pending map[string]*Envelope
	history *buffer.Ring[Envelope]
}

func New(opts Options) (*Router, error) {
	if opts.Instances == nil {
		return nil, errors.New("router requires an instance registry")
	}
	if opts.Mailboxes == nil {
		return nil, errors.New("router requires a mailbox store")
	}
	if opts.CoordinatorID == "" {
		opts.CoordinatorID = DefaultCoordinatorID
	}
	if opts.SupervisorID == "" {
		opts.SupervisorID = DefaultSupervisorID
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.BroadcastLimit <= 0 {
		opts.BroadcastLimit = defaultBroadcastLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	opts.Mailboxes.Open(opts.CoordinatorID)
	opts.Mailboxes.Open(opts.SupervisorID)
	return &Router{
		instances:      opts.Instances,
		mailboxes:      opts.Mailboxes,
		coordinatorID:  opts.CoordinatorID,
		supervisorID:   opts.SupervisorID,
		sendTimeout:    opts.SendTimeout,
		broadcastLimit: opts.BroadcastLimit,
		clock:          clock.OrReal(opts.Clock),
		logger:         opts.Logger.Category("router"),
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		pending:        make(map[string]*Envelope),
		history:        buffer.NewRing[Envelope](opts.HistorySize),
	}, nil
}

func (r *Router) CoordinatorID() string {
	return r.coordinatorID
}

func (r *Router) SupervisorID() string {
	return r.supervisorID
}

func (r *Router) synthetic(id string) bool {
	return id == r.coordinatorID || id == r.supervisorID
}

// Send delivers content to the recipient. With WaitForReply it blocks on the
// sender's response queue until a correlated reply, or an uncorrelated one
// from the recipient, arrives. A reply timeout is reported in the result.
func (r *Router) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := r.checkSender(req.SenderID); err != nil {
		return SendResult{}, err
	}
	if err := r.checkRecipient(req.RecipientID); err != nil {
		return SendResult{}, err
	}

	env := &Envelope{
		MessageID:    uuid.NewString(),
		SenderID:     req.SenderID,
		RecipientID:  req.RecipientID,
		Content:      req.Content,
		SentAt:       r.clock.Now().UTC(),
		WaitForReply: req.WaitForReply,
		Status:       StatusSent,
	}
	if req.WaitForReply {
		// Registered before delivery so a fast reply finds its envelope.
		r.mu.Lock()
		r.pending[env.MessageID] = env
		r.mu.Unlock()
	}

	if err := r.deliver(ctx, env); err != nil {
		r.complete(env, StatusFailed, "")
		r.logger.Warn("message delivery failed", r.fields(env, err))
		return SendResult{MessageID: env.MessageID, Status: StatusFailed}, err
	}
	r.markDelivered(env)
	if !req.WaitForReply {
		r.complete(env, StatusDelivered, "")
		return SendResult{MessageID: env.MessageID, Status: StatusDelivered}, nil
	}
	return r.awaitReply(ctx, env, req.Timeout)
}

func (r *Router) checkSender(id string) error {
	if id == "" {
		return fmt.Errorf("%w: sender id is required", instance.ErrNotFound)
	}
	if r.synthetic(id) {
		return nil
	}
	inst, err := r.instances.Status(id)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return fmt.Errorf("%w: sender %s is %s", instance.ErrRecipientUnavailable, id, inst.State)
	}
	return nil
}

func (r *Router) checkRecipient(id string) error {
	if id == "" {
		return fmt.Errorf("%w: recipient id is required", instance.ErrNotFound)
	}
	if r.synthetic(id) {
		return nil
	}
	inst, err := r.instances.Status(id)
	if err != nil {
		return err
	}
	if !inst.State.Active() {
		return fmt.Errorf("%w: %s is %s", instance.ErrRecipientUnavailable, id, inst.State)
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, env *Envelope) error {
	if r.synthetic(env.RecipientID) {
		return r.mailboxes.Push(env.RecipientID, mailbox.Message{
			CorrelationID: env.MessageID,
			SenderID:      env.SenderID,
			Content:       env.Content,
			At:            r.clock.Now().UTC(),
		})
	}
	return r.instances.SendInput(ctx, env.RecipientID, FormatPayload(env.MessageID, env.Content))
}

func (r *Router) markDelivered(env *Envelope) {
	r.mu.Lock()
	env.Status = StatusDelivered
	env.DeliveredAt = r.clock.Now().UTC()
	r.mu.Unlock()

	r.metrics.IncMessageSent()
	if !r.synthetic(env.SenderID) {
		_ = r.instances.RecordUsage(env.SenderID, instance.Usage{Requests: 1})
	}
	r.publish(event.TypeMessageSent, env, StatusDelivered)
	r.logger.Debug("message delivered", r.fields(env, nil))
}

func (r *Router) awaitReply(ctx context.Context, env *Envelope, timeout time.Duration) (SendResult, error) {
	if timeout <= 0 {
		timeout = r.sendTimeout
	}
	result := SendResult{MessageID: env.MessageID}
	queue, ok := r.mailboxes.Get(env.SenderID)
	if !ok {
		r.complete(env, StatusFailed, "")
		result.Status = StatusFailed
		return result, fmt.Errorf("%w: no response queue for %s", instance.ErrRecipientUnavailable, env.SenderID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := queue.WaitFor(waitCtx, func(m mailbox.Message) bool {
		if m.CorrelationID != "" {
			return m.CorrelationID == env.MessageID
		}
		return m.SenderID == env.RecipientID
	})
	switch {
	case err == nil:
		r.complete(env, StatusReplied, msg.Content)
		result.Status = StatusReplied
		result.Reply = msg.Content
		result.ReplyFrom = msg.SenderID
		return result, nil
	case ctx.Err() != nil:
		r.complete(env, StatusCancelled, "")
		result.Status = StatusCancelled
		return result, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		r.complete(env, StatusTimeout, "")
		r.metrics.IncReplyTimeout()
		r.logger.Info("reply timed out", r.fields(env, nil))
		result.Status = StatusTimeout
		return result, nil
	default:
		// The sender's queue closed: it was terminated while waiting.
		r.complete(env, StatusCancelled, "")
		result.Status = StatusCancelled
		return result, fmt.Errorf("%w: %s terminated while waiting", instance.ErrRecipientUnavailable, env.SenderID)
	}
}

// complete moves env out of the pending set into history.
func (r *Router) complete(env *Envelope, status Status, reply string) {
	r.mu.Lock()
	delete(r.pending, env.MessageID)
	env.Status = status
	if status == StatusReplied {
		env.RepliedAt = r.clock.Now().UTC()
		env.ReplyContent = reply
	}
	archived := *env
	r.history.Add(archived)
	r.mu.Unlock()

	switch status {
	case StatusReplied:
		r.publish(event.TypeMessageReplied, &archived, status)
	case StatusTimeout:
		r.publish(event.TypeMessageTimeout, &archived, status)
	case StatusCancelled, StatusFailed:
		r.publish(event.TypeMessageCancelled, &archived, status)
	}
}

// Reply enqueues content for whoever should hear it: the sender of the
// pending or recent envelope named by CorrelationID, else the responder's
// parent, else the coordinator.
func (r *Router) Reply(req ReplyRequest) (ReplyAck, error) {
	if req.ResponderID == "" {
		return ReplyAck{}, fmt.Errorf("%w: responder id is required", instance.ErrNotFound)
	}
	var parentID string
	if !r.synthetic(req.ResponderID) {
		inst, err := r.instances.Status(req.ResponderID)
		if err != nil {
			return ReplyAck{}, err
		}
		parentID = inst.ParentID
		_ = r.instances.Touch(req.ResponderID)
	}

	ack := ReplyAck{CorrelationID: req.CorrelationID}
	if sender, ok := r.senderOf(req.CorrelationID); ok {
		ack.TargetID = sender
		ack.Matched = true
	} else if parentID != "" {
		ack.TargetID = parentID
	} else {
		ack.TargetID = r.coordinatorID
	}

	err := r.mailboxes.Push(ack.TargetID, mailbox.Message{
		CorrelationID: req.CorrelationID,
		SenderID:      req.ResponderID,
		Content:       req.Content,
		At:            r.clock.Now().UTC(),
	})
	if err != nil {
		return ReplyAck{}, fmt.Errorf("%w: reply target %s: %w", instance.ErrRecipientUnavailable, ack.TargetID, err)
	}
	r.metrics.IncReplyQueued()
	r.logger.Debug("reply queued", map[string]string{
		"responder_id":         req.ResponderID,
		"target_id":            ack.TargetID,
		logging.FieldMessageID: req.CorrelationID,
	})
	return ack, nil
}

func (r *Router) senderOf(messageID string) (string, bool) {
	if messageID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if env, ok := r.pending[messageID]; ok {
		return env.SenderID, true
	}
	recent := r.history.Filter(func(env Envelope) bool {
		return env.MessageID == messageID && (env.Status == StatusDelivered || env.Status == StatusTimeout)
	})
	if len(recent) > 0 {
		return recent[0].SenderID, true
	}
	return "", false
}

// PollReplies drains id's response queue. With wait > 0 it blocks for the
// first reply up to wait, then returns it with anything queued behind it.
func (r *Router) PollReplies(ctx context.Context, id string, wait time.Duration) ([]mailbox.Message, error) {
	queue, ok := r.mailboxes.Get(id)
	if !ok {
		if _, err := r.instances.Status(id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s has no response queue", instance.ErrRecipientUnavailable, id)
	}
	messages := queue.Drain()
	if len(messages) > 0 || wait <= 0 {
		return messages, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	first, err := queue.WaitFor(waitCtx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	return append([]mailbox.Message{first}, queue.Drain()...), nil
}

// Broadcast sends content to every active child of parentID without waiting
// for replies, and returns how many deliveries succeeded. The coordinator
// broadcasts to every live root.
func (r *Router) Broadcast(ctx context.Context, parentID, content string) (int, error) {
	var targets []instance.Instance
	switch {
	case parentID == r.coordinatorID:
		for _, inst := range r.instances.ListActive() {
			if inst.ParentID == "" {
				targets = append(targets, inst)
			}
		}
	default:
		children, err := r.instances.Children(parentID)
		if err != nil {
			return 0, err
		}
		targets = children
	}

	var delivered atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.broadcastLimit)
	for _, target := range targets {
		if !target.State.Active() {
			continue
		}
		recipient := target.ID
		group.Go(func() error {
			_, err := r.Send(groupCtx, SendRequest{
				SenderID:    parentID,
				RecipientID: recipient,
				Content:     content,
			})
			if err != nil {
				r.logger.Warn("broadcast delivery failed", map[string]string{
					logging.FieldInstanceID: recipient,
					logging.FieldError:      err.Error(),
				})
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(delivered.Load()), ctx.Err()
}

// Outstanding counts wait-for-reply envelopes id sent that are still pending.
func (r *Router) Outstanding(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, env := range r.pending {
		if env.SenderID == id {
			count++
		}
	}
	return count
}

// Pending returns copies of envelopes still awaiting a reply.
func (r *Router) Pending() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]Envelope, 0, len(r.pending))
	for _, env := range r.pending {
		pending = append(pending, *env)
	}
	return pending
}

// History returns completed envelopes, oldest first.
func (r *Router) History() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.List()
}

func (r *Router) publish(eventType string, env *Envelope, status Status) {
	if r.bus == nil {
		return
	}
	evt := event.NewMessageEvent(eventType, env.MessageID, env.SenderID, env.RecipientID, string(status))
	evt.OccurredAt = r.clock.Now().UTC()
	r.bus.Publish(evt)
}

func (r *Router) fields(env *Envelope, err error) map[string]string {
	fields := map[string]string{
		logging.FieldMessageID: env.MessageID,
		"sender_id":            env.SenderID,
		"recipient_id":         env.RecipientID,
	}
	if err != nil {
		fields[logging.FieldError] = err.Error()
	}
	return fields
}
