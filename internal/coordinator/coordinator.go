// Package coordinator owns refresh scheduling and command serialization for
// all appliances. One refresh cycle moves Idle → Refreshing → {Applied,
// PartialFailure, Failed} → Idle; per-device results are independent so one
// offline fridge does not blank the rest.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbridge/frostbridge/internal/cache"
	"github.com/frostbridge/frostbridge/internal/liebherr"
)

// Client is the slice of the vendor API the coordinator needs.
type Client interface {
	ListAppliances(ctx context.Context) ([]liebherr.Appliance, error)
	GetControls(ctx context.Context, deviceID string) ([]liebherr.Control, error)
	SetControl(ctx context.Context, deviceID, control string, payload any) error
}

// CycleResult is the outcome of one refresh cycle.
type CycleResult string

const (
	CycleApplied        CycleResult = "applied"
	CyclePartialFailure CycleResult = "partial_failure"
	CycleFailed         CycleResult = "failed"
)

// CycleOutcome records one cycle for scheduling decisions.
type CycleOutcome struct {
	Result   CycleResult
	Devices  int
	Failures int
	Err      error
}

// Listener is notified after a device's cache entry changed.
type Listener func(deviceID string)

// Config tunes refresh scheduling.
type Config struct {
	// Interval is the nominal refresh period.
	Interval time.Duration
	// MaxInterval caps the backed-off period.
	MaxInterval time.Duration
	// RequestTimeout bounds each vendor API call.
	RequestTimeout time.Duration
}

// Coordinator reconciles the cache against the vendor API and serializes
// commands per device.
type Coordinator struct {
	client  Client
	store   *cache.Store
	log     *slog.Logger
	backoff *backoff
	timeout time.Duration

	seq    atomic.Uint64
	active atomic.Bool

	kick chan struct{}

	deviceLocksMu sync.Mutex
	deviceLocks   map[string]*sync.Mutex

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	haltMu  sync.Mutex
	haltErr error
}

func New(client Client, store *cache.Store, log *slog.Logger, cfg Config) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * cfg.Interval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	c := &Coordinator{
		client:      client,
		store:       store,
		log:         log,
		backoff:     newBackoff(cfg.Interval, cfg.MaxInterval),
		timeout:     cfg.RequestTimeout,
		kick:        make(chan struct{}, 1),
		deviceLocks: make(map[string]*sync.Mutex),
		listeners:   make(map[int]Listener),
	}
	c.active.Store(true)
	return c
}

// AddListener registers a change listener and returns its remove func.
// Listeners read immutable snapshots through the store; they must not block
// for long.
func (c *Coordinator) AddListener(fn Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) notify(deviceID string) {
	c.listenersMu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(deviceID)
	}
}

// Close stops the coordinator. A refresh already in flight may finish its
// network calls but will not mutate the cache afterwards.
func (c *Coordinator) Close() {
	c.active.Store(false)
}

// Halted returns the permanent failure that stopped scheduling, or nil.
func (c *Coordinator) Halted() error {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.haltErr
}

func (c *Coordinator) halt(err error) {
	c.haltMu.Lock()
	if c.haltErr == nil {
		c.haltErr = err
	}
	c.haltMu.Unlock()
	halted.Set(1)
	c.log.Error("refresh halted, re-authentication required", "err", err)
}

// Run drives scheduled refreshes until ctx is cancelled or scheduling halts
// on a permanent auth failure, which is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	refreshInterval.Set(c.backoff.Current().Seconds())
	c.RefreshAll(ctx)

	timer := time.NewTimer(c.backoff.Current())
	defer timer.Stop()

	for {
		if err := c.Halted(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-timer.C:
		}
		c.RefreshAll(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.backoff.Current())
	}
}

// RefreshNow requests an immediate out-of-cycle refresh from the Run loop.
func (c *Coordinator) RefreshNow() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RefreshAll performs one full refresh cycle. The cycle as a whole fails
// only when discovery itself fails; per-device errors degrade that device
// alone.
func (c *Coordinator) RefreshAll(ctx context.Context) CycleOutcome {
	if err := c.Halted(); err != nil {
		return CycleOutcome{Result: CycleFailed, Err: err}
	}

	seq := c.seq.Add(1)

	listCtx, cancel := context.WithTimeout(ctx, c.timeout)
	appliances, err := c.client.ListAppliances(listCtx)
	cancel()
	if err != nil {
		return c.failCycle(err)
	}
	if !c.active.Load() {
		return CycleOutcome{Result: CycleFailed, Err: context.Canceled}
	}

	outcome := CycleOutcome{Devices: len(appliances)}
	var sawTransient bool
	for _, appliance := range appliances {
		if err := c.refreshDevice(ctx, appliance, seq); err != nil {
			outcome.Failures++
			if liebherr.IsRetryable(err) {
				sawTransient = true
			}
			if liebherr.IsPermanentAuth(err) {
				c.halt(err)
				break
			}
		}
	}

	switch {
	case outcome.Failures == 0:
		outcome.Result = CycleApplied
		c.backoff.Reset()
	default:
		outcome.Result = CyclePartialFailure
		if sawTransient {
			c.backoff.Increase()
		}
	}
	refreshCycles.WithLabelValues(string(outcome.Result)).Inc()
	return outcome
}

func (c *Coordinator) failCycle(err error) CycleOutcome {
	// Stale-flag every known device so entities show last-known data with
	// an indicator instead of going blank.
	for _, id := range c.store.IDs() {
		if !c.active.Load() {
			break
		}
		c.store.MarkStale(id)
		deviceFresh.WithLabelValues(id).Set(0)
		c.notify(id)
	}

	if liebherr.IsPermanentAuth(err) {
		c.halt(err)
	} else if liebherr.IsRetryable(err) {
		c.backoff.Increase()
		c.log.Warn("refresh cycle failed", "err", err, "next_interval", c.backoff.Current())
	} else {
		c.log.Error("refresh cycle failed", "err", err)
	}
	refreshCycles.WithLabelValues(string(CycleFailed)).Inc()
	return CycleOutcome{Result: CycleFailed, Err: err}
}

// refreshDevice polls one appliance under its device lock and applies the
// result with the cycle's sequence number.
func (c *Coordinator) refreshDevice(ctx context.Context, appliance liebherr.Appliance, seq uint64) error {
	unlock := c.lockDevice(appliance.DeviceID)
	defer unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	controls, err := c.client.GetControls(reqCtx, appliance.DeviceID)
	cancel()

	if !c.active.Load() {
		return context.Canceled
	}

	if err != nil {
		switch {
		case liebherr.IsUnreachable(err):
			c.store.MarkUnreachable(appliance.DeviceID)
		default:
			c.store.MarkStale(appliance.DeviceID)
			deviceFresh.WithLabelValues(appliance.DeviceID).Set(0)
		}
		c.notify(appliance.DeviceID)
		c.log.Warn("device refresh failed", "device_id", appliance.DeviceID, "err", err)
		return err
	}

	applied := c.store.Upsert(appliance.DeviceID, cache.DeviceState{
		Appliance: appliance,
		Controls:  controls,
		UpdatedAt: time.Now(),
		Fresh:     true,
	}, seq)
	if applied {
		deviceFresh.WithLabelValues(appliance.DeviceID).Set(1)
		c.notify(appliance.DeviceID)
	}
	return nil
}

// RefreshDevice re-polls a single known device out of cycle, typically to
// confirm a command.
func (c *Coordinator) RefreshDevice(ctx context.Context, deviceID string) error {
	state, ok := c.store.Get(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	return c.refreshDevice(ctx, state.Appliance, c.seq.Add(1))
}

// SubmitCommand applies a user change: optimistic cache update for UI
// responsiveness, vendor call, then either a confirming refresh or a revert
// with a CommandFailedError. The device lock is held from the optimistic
// write through the vendor acknowledgment, so a concurrent refresh of the
// same device cannot interleave; other devices proceed independently.
func (c *Coordinator) SubmitCommand(ctx context.Context, cmd Command) error {
	if err := c.Halted(); err != nil {
		return err
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = time.Now()
	}

	err := c.dispatch(ctx, cmd)
	if err != nil {
		var failed *CommandFailedError
		if errors.As(err, &failed) {
			commandsTotal.WithLabelValues("failed").Inc()
		} else {
			commandsTotal.WithLabelValues("rejected").Inc()
		}
		return err
	}

	commandsTotal.WithLabelValues("ok").Inc()
	if err := c.RefreshDevice(ctx, cmd.DeviceID); err != nil {
		// The command itself succeeded; the next cycle will confirm.
		c.log.Warn("post-command refresh failed", "device_id", cmd.DeviceID, "err", err)
	}
	return nil
}

// dispatch runs the locked portion of a command: validate, optimistic
// update, vendor call, revert on failure.
func (c *Coordinator) dispatch(ctx context.Context, cmd Command) error {
	unlock := c.lockDevice(cmd.DeviceID)
	defer unlock()

	state, ok := c.store.Get(cmd.DeviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", cmd.DeviceID)
	}
	control := state.Control(cmd.controlKey())
	if control == nil {
		return fmt.Errorf("device %q has no control %q", cmd.DeviceID, cmd.controlKey())
	}

	payload, err := commandPayload(cmd, control)
	if err != nil {
		return err
	}

	prev, attempted, err := applyDesired(control, cmd)
	if err != nil {
		return err
	}

	c.store.Upsert(cmd.DeviceID, state, c.seq.Add(1))
	c.notify(cmd.DeviceID)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	sendErr := c.client.SetControl(reqCtx, cmd.DeviceID, cmd.Control, payload)
	cancel()

	if !c.active.Load() {
		return context.Canceled
	}

	if sendErr != nil {
		c.revertLocked(cmd, prev)
		return &CommandFailedError{
			DeviceID:   cmd.DeviceID,
			Control:    cmd.Control,
			Attempted:  attempted,
			RevertedTo: prev,
			Err:        sendErr,
		}
	}
	return nil
}

// applyDesired writes the command's value into the control snapshot and
// returns the previous value for a possible revert.
func applyDesired(control *liebherr.Control, cmd Command) (prev any, attempted any, err error) {
	switch control.Kind() {
	case liebherr.KindTemperature:
		if cmd.Target == nil {
			return nil, nil, fmt.Errorf("control %q expects a target temperature", cmd.Control)
		}
		if control.Target != nil {
			prev = *control.Target
		}
		control.Target = clonePtr(cmd.Target)
		return prev, *cmd.Target, nil
	case liebherr.KindToggle, liebherr.KindAutoDoor, liebherr.KindIceMaker, liebherr.KindBottleTimer:
		if cmd.Enabled == nil {
			return nil, nil, fmt.Errorf("control %q expects an on/off value", cmd.Control)
		}
		if control.Value != nil {
			prev = *control.Value
		}
		control.Value = clonePtr(cmd.Enabled)
		return prev, *cmd.Enabled, nil
	case liebherr.KindMode, liebherr.KindBioFreshPlus, liebherr.KindHydroBreeze:
		if cmd.Mode == nil {
			return nil, nil, fmt.Errorf("control %q expects a mode", cmd.Control)
		}
		prev = control.CurrentMode
		control.CurrentMode = *cmd.Mode
		return prev, *cmd.Mode, nil
	default:
		return nil, nil, fmt.Errorf("control type %q is not writable", control.Type)
	}
}

// revertLocked restores the pre-command value at a newer sequence number so
// the revert cannot itself be undone by a stale in-flight result. Caller
// holds the device lock.
func (c *Coordinator) revertLocked(cmd Command, prev any) {
	state, ok := c.store.Get(cmd.DeviceID)
	if !ok {
		return
	}
	control := state.Control(cmd.controlKey())
	if control == nil {
		return
	}

	switch v := prev.(type) {
	case float64:
		control.Target = &v
	case bool:
		control.Value = &v
	case string:
		control.CurrentMode = v
	case nil:
		switch control.Kind() {
		case liebherr.KindTemperature:
			control.Target = nil
		case liebherr.KindMode, liebherr.KindBioFreshPlus, liebherr.KindHydroBreeze:
			control.CurrentMode = ""
		default:
			control.Value = nil
		}
	}

	c.store.Upsert(cmd.DeviceID, state, c.seq.Add(1))
	c.notify(cmd.DeviceID)
}

func commandPayload(cmd Command, control *liebherr.Control) (any, error) {
	// The ice maker and bottle timer break the generic toggle shape and
	// want "ON"/"OFF" under their own key.
	if cmd.Enabled != nil {
		switch control.Kind() {
		case liebherr.KindIceMaker:
			return liebherr.IceMakerRequest{Mode: onOff(*cmd.Enabled)}, nil
		case liebherr.KindBottleTimer:
			return liebherr.BottleTimerRequest{Mode: onOff(*cmd.Enabled)}, nil
		}
	}
	switch {
	case cmd.Target != nil:
		if control.ZoneID == nil {
			return nil, fmt.Errorf("temperature control %q has no zone", cmd.Control)
		}
		return liebherr.TemperatureRequest{ZoneID: *control.ZoneID, Target: *cmd.Target, Unit: control.Unit}, nil
	case cmd.Enabled != nil:
		if control.ZoneID != nil {
			return liebherr.ZoneToggleRequest{ZoneID: *control.ZoneID, Value: *cmd.Enabled}, nil
		}
		return liebherr.ToggleRequest{Value: *cmd.Enabled}, nil
	case cmd.Mode != nil:
		if control.ZoneID != nil {
			return liebherr.ZoneModeRequest{ZoneID: *control.ZoneID, Mode: *cmd.Mode}, nil
		}
		return liebherr.ModeRequest{Mode: *cmd.Mode}, nil
	default:
		return nil, fmt.Errorf("command for %q carries no value", cmd.Control)
	}
}

func (c *Coordinator) lockDevice(deviceID string) func() {
	c.deviceLocksMu.Lock()
	lock, ok := c.deviceLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		c.deviceLocks[deviceID] = lock
	}
	c.deviceLocksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func onOff(enabled bool) string {
	if enabled {
		return "ON"
	}
	return "OFF"
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
