package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/audit"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/backend"
	"github.com/nerrad567/gray-logic-hub/internal/bridges/zigbee2mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
)

// stateIngester is the engine side of stateSink.
type stateIngester interface {
	Ingest(deviceID string, partial map[string]any)
}

// stateWriter is the telemetry side of stateSink.
type stateWriter interface {
	WriteDeviceState(deviceID string, state map[string]any)
}

// stateSink fans device state out to the engine and to InfluxDB.
type stateSink struct {
	engine stateIngester
	influx stateWriter
}

func (s *stateSink) Ingest(deviceID string, partial map[string]any) {
	if s.influx != nil {
		s.influx.WriteDeviceState(deviceID, partial)
	}
	if s.engine != nil {
		s.engine.Ingest(deviceID, partial)
	}
}

// runWriter is the subset of the InfluxDB client influxRecorder needs.
type runWriter interface {
	WriteRuleRun(run influxdb.RuleRun)
}

// influxRecorder writes finished rule runs to InfluxDB.
type influxRecorder struct {
	client runWriter
}

func (r *influxRecorder) RunStarted(context.Context, *automation.Run) error {
	return nil
}

func (r *influxRecorder) RunFinished(_ context.Context, run *automation.Run) error {
	var msg string
	if run.Error != nil {
		msg = *run.Error
	}
	r.client.WriteRuleRun(influxdb.RuleRun{
		RuleKey:       run.RuleKey,
		RuleName:      run.RuleName,
		TriggerSource: string(run.TriggerSource),
		Status:        string(run.Status),
		CommandsSent:  run.CommandsSent,
		StartedAt:     run.StartedAt,
		Duration:      run.Duration(),
		Error:         msg,
	})
	return nil
}

// backendSender is the outbound side of the backend link.
type backendSender interface {
	SendStateUpdate(ieeeAddress string, state map[string]any) error
	SendDiscovery(devices any) error
}

// forwardToBackend relays bridge events to the backend. Events raised while
// the link is down are dropped.
func forwardToBackend(bridge *zigbee2mqtt.Bridge, link backendSender, log *logging.Logger) {
	bridge.SetStateListener(func(ieee string, state map[string]any) {
		if err := link.SendStateUpdate(ieee, state); err != nil && !errors.Is(err, backend.ErrNotConnected) {
			log.Warn("state update not sent to backend", "device", ieee, "error", err)
		}
	})
	bridge.SetDiscoveryListener(func(devices []zigbee2mqtt.Device) {
		if err := link.SendDiscovery(devices); err != nil {
			log.Warn("device discovery not sent to backend", "devices", len(devices), "error", err)
		}
	})
}

// auditWriter is the write side of the audit log.
type auditWriter interface {
	Create(ctx context.Context, entry *audit.Entry) error
}

// auditTimeout bounds one audit insert on the caller's goroutine.
const auditTimeout = 2 * time.Second

func writeAudit(w auditWriter, log *logging.Logger, entry *audit.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := w.Create(ctx, entry); err != nil {
		log.Warn("audit entry not recorded", "action", entry.Action, "error", err)
	}
}

// auditedEngine records every rule set replacement made through it.
type auditedEngine struct {
	*automation.Engine
	audit  auditWriter
	source string
	log    *logging.Logger
}

func (a *auditedEngine) Load(rules []automation.Rule) {
	a.Engine.Load(rules)
	writeAudit(a.audit, a.log, &audit.Entry{
		Action:  audit.ActionRulesReplaced,
		Source:  a.source,
		Subject: fmt.Sprintf("%d rules", len(rules)),
		Details: map[string]any{
			"total":   len(rules),
			"enabled": len(a.Engine.Rules()),
			"issues":  len(automation.ValidateRules(rules)),
		},
	})
}

// commandHandler executes device commands addressed by friendly name.
type commandHandler interface {
	HandleCommand(friendlyName string, command map[string]any, mode string) error
}

// auditedCommands records every device command before reporting its outcome.
type auditedCommands struct {
	next  commandHandler
	audit auditWriter
	log   *logging.Logger
}

func (a *auditedCommands) HandleCommand(friendlyName string, command map[string]any, mode string) error {
	err := a.next.HandleCommand(friendlyName, command, mode)

	details := map[string]any{"mode": mode, "command": command}
	if err != nil {
		details["error"] = err.Error()
	}
	writeAudit(a.audit, a.log, &audit.Entry{
		Action:  audit.ActionDeviceCommand,
		Source:  audit.SourceBackend,
		Subject: friendlyName,
		Details: details,
	})
	return err
}
