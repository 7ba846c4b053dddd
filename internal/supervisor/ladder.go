package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/router"
)

// intervene runs action against inst and records the outcome. Callers hold
// state.mu.
func (s *Supervisor) intervene(ctx context.Context, inst instance.Instance, assessment Assessment, action Action, state *watchState, settings Settings) Intervention {
	var (
		detail string
		err    error
	)
	switch action {
	case ActionStatusCheck:
		detail, err = s.statusCheck(ctx, inst.ID, settings)
	case ActionProvideGuidance:
		detail, err = s.provideGuidance(ctx, inst.ID, settings)
	case ActionSpawnHelper:
		detail, err = s.spawnHelper(ctx, inst, assessment, settings)
		if err == nil {
			state.helperSpawned = true
		}
	case ActionEscalate:
		detail = escalationDetail(assessment)
		state.escalated = true
	}
	if assessment.Issue == IssueErrorLoop {
		state.window.reset()
	}

	record := Intervention{
		InstanceID: inst.ID,
		Issue:      assessment.Issue,
		Action:     action,
		Timestamp:  s.clock.Now().UTC(),
		Outcome:    OutcomeSucceeded,
		Detail:     detail,
	}
	state.done[action] = true
	if err != nil {
		record.Outcome = OutcomeFailed
		record.Detail = err.Error()
		state.failed[action] = true
	}
	s.record(record)
	return record
}

func (s *Supervisor) statusCheck(ctx context.Context, id string, settings Settings) (string, error) {
	result, err := s.messenger.Send(ctx, router.SendRequest{
		SenderID:     s.messenger.SupervisorID(),
		RecipientID:  id,
		Content:      settings.StatusCheckMessage,
		WaitForReply: true,
		Timeout:      settings.StatusCheckTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("status check: %w", err)
	}
	if result.Status != router.StatusReplied {
		return "", fmt.Errorf("status check %s: no reply", result.Status)
	}
	return result.Reply, nil
}

func (s *Supervisor) provideGuidance(ctx context.Context, id string, settings Settings) (string, error) {
	result, err := s.messenger.Send(ctx, router.SendRequest{
		SenderID:    s.messenger.SupervisorID(),
		RecipientID: id,
		Content:     settings.GuidanceMessage,
	})
	if err != nil {
		return "", fmt.Errorf("guidance: %w", err)
	}
	return "guidance sent as " + result.MessageID, nil
}

// spawnHelper starts the configured helper next to inst, under the same
// parent, and introduces the two.
func (s *Supervisor) spawnHelper(ctx context.Context, inst instance.Instance, assessment Assessment, settings Settings) (string, error) {
	if settings.Helper == nil {
		return "", errors.New("no helper configured")
	}
	cfg := *settings.Helper
	cfg.ParentID = inst.ParentID
	cfg.Name = fmt.Sprintf("%s-for-%s", settings.Helper.Name, inst.Name)
	helperID, err := s.instances.Spawn(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("spawn helper: %w", err)
	}

	var errs []error
	if _, err := s.messenger.Send(ctx, router.SendRequest{
		SenderID:    s.messenger.SupervisorID(),
		RecipientID: helperID,
		Content: fmt.Sprintf("Instance %s (%s) keeps hitting the same failure: %q. Help it recover.",
			inst.Name, inst.ID, assessment.Signature),
	}); err != nil {
		errs = append(errs, fmt.Errorf("brief helper: %w", err))
	}
	if _, err := s.messenger.Send(ctx, router.SendRequest{
		SenderID:    s.messenger.SupervisorID(),
		RecipientID: inst.ID,
		Content:     fmt.Sprintf("A helper instance %s was started to assist with a repeated failure.", helperID),
	}); err != nil {
		errs = append(errs, fmt.Errorf("notify instance: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("helper introduction incomplete", map[string]string{
			logging.FieldInstanceID: inst.ID,
			"helper_id":             helperID,
			logging.FieldError:      err.Error(),
		})
	}
	return "helper " + helperID, nil
}

func escalationDetail(assessment Assessment) string {
	switch assessment.Issue {
	case IssueErrorLoop:
		return fmt.Sprintf("repeated failure: %s", assessment.Signature)
	case IssueBlocked:
		return fmt.Sprintf("no activity for %s", assessment.Idle.Round(time.Second))
	}
	return string(assessment.Issue)
}

func (s *Supervisor) record(record Intervention) {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()

	s.metrics.IncIntervention(string(record.Action), string(record.Outcome))
	fields := map[string]string{
		logging.FieldInstanceID: record.InstanceID,
		"issue":                 string(record.Issue),
		"action":                string(record.Action),
		"outcome":               string(record.Outcome),
	}
	if record.Detail != "" {
		fields["detail"] = record.Detail
	}
	if record.Outcome == OutcomeFailed {
		s.logger.Warn("intervention failed", fields)
	} else {
		s.logger.Info("intervention recorded", fields)
	}

	if s.bus == nil {
		return
	}
	eventType := event.TypeIntervention
	if record.Action == ActionEscalate {
		eventType = event.TypeIssueEscalated
	}
	s.bus.Publish(event.InterventionEvent{
		EventType:  eventType,
		InstanceID: record.InstanceID,
		Issue:      string(record.Issue),
		Action:     string(record.Action),
		Outcome:    string(record.Outcome),
		Detail:     record.Detail,
		OccurredAt: record.Timestamp,
	})
}
