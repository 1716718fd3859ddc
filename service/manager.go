package service

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-gpuchannel/internal/logging"
	"github.com/joeycumines/go-gpuchannel/preemption"
	"github.com/joeycumines/go-gpuchannel/scheduler"
	"github.com/joeycumines/go-gpuchannel/syncpoint"
	"github.com/joeycumines/go-gpuchannel/taskqueue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type (
	// ManagerConfig models configuration for NewManager.
	ManagerConfig struct {
		// Main runs every channel's message handling.
		// **Defaults to a taskqueue.Serial owned by the manager, if nil.**
		Main taskqueue.Runner

		// SyncPoints is the ordering authority shared by all channels.
		// **Defaults to a new manager, if nil.**
		SyncPoints *syncpoint.Manager

		// StubFactory creates command buffers, for every channel.
		StubFactory StubFactory

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// WaitTime, MaxPreemptTime and StopThreshold configure each
		// channel's preemption queue, see preemption.Config.
		WaitTime       time.Duration
		MaxPreemptTime time.Duration
		StopThreshold  time.Duration

		// UseScheduler runs messages on a priority scheduler, with a
		// sequence per stream, instead of a preemption queue per channel.
		UseScheduler bool
	}

	// Manager owns every channel in the service, and the state they share:
	// the main runner, the sync point manager, the preemption flag, and the
	// scheduler, if enabled. All methods are safe for concurrent use, but
	// must not be called from the main runner.
	//
	// Instances must be initialized using the NewManager factory, and
	// released using Destroy.
	Manager struct {
		main       taskqueue.Runner
		ownMain    *taskqueue.Serial
		syncPoints *syncpoint.Manager
		scheduler  *scheduler.Scheduler
		flag       *preemption.Flag
		factory    StubFactory
		logger     *logiface.Logger[logiface.Event]

		schedulerCancel context.CancelFunc
		schedulerDone   chan struct{}

		mu        sync.Mutex
		channels  map[int32]*Channel
		destroyed bool

		waitTime       time.Duration
		maxPreemptTime time.Duration
		stopThreshold  time.Duration
	}
)

// NewLogger returns a JSON lines logger, writing to w (stderr if nil).
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if w == nil {
		w = os.Stderr
	}
	return logging.New(w, level)
}

// NewManager returns a Manager. The config may be nil.
func NewManager(config *ManagerConfig) *Manager {
	if config == nil {
		config = new(ManagerConfig)
	}
	x := Manager{
		main:           config.Main,
		syncPoints:     config.SyncPoints,
		flag:           new(preemption.Flag),
		factory:        config.StubFactory,
		logger:         config.Logger,
		channels:       make(map[int32]*Channel),
		waitTime:       config.WaitTime,
		maxPreemptTime: config.MaxPreemptTime,
		stopThreshold:  config.StopThreshold,
	}
	if x.syncPoints == nil {
		x.syncPoints = syncpoint.NewManager()
	}
	if x.main == nil {
		x.ownMain = taskqueue.NewSerial(&taskqueue.SerialConfig{
			Logger: config.Logger,
			Name:   `gpu-main`,
		})
		x.main = x.ownMain
	}
	if config.UseScheduler {
		x.scheduler = scheduler.New(x.syncPoints, config.Logger)
		var ctx context.Context
		ctx, x.schedulerCancel = context.WithCancel(context.Background())
		x.schedulerDone = make(chan struct{})
		go func() {
			defer close(x.schedulerDone)
			_ = x.scheduler.Run(ctx)
		}()
	}
	return &x
}

// SyncPoints returns the shared sync point manager.
func (x *Manager) SyncPoints() *syncpoint.Manager { return x.syncPoints }

// Scheduler returns the scheduler, or nil if disabled.
func (x *Manager) Scheduler() *scheduler.Scheduler { return x.scheduler }

// PreemptionFlag returns the flag privileged channels raise, while they
// preempt the others.
func (x *Manager) PreemptionFlag() *preemption.Flag { return x.flag }

// EstablishChannel creates, and connects, a channel for clientID. A
// privileged channel (e.g. the GPU host's own) may preempt all others.
func (x *Manager) EstablishChannel(clientID int32, endpoint Endpoint, privileged bool) (*Channel, error) {
	if endpoint == nil {
		panic(`service: nil endpoint`)
	}

	config := ChannelConfig{
		SyncPoints:     x.syncPoints,
		Main:           x.main,
		Scheduler:      x.scheduler,
		StubFactory:    x.factory,
		Logger:         x.logger,
		OnChannelError: x.onChannelError,
		WaitTime:       x.waitTime,
		MaxPreemptTime: x.maxPreemptTime,
		StopThreshold:  x.stopThreshold,
		ClientID:       clientID,
		Privileged:     privileged,
	}
	if x.scheduler == nil {
		if privileged {
			config.PreemptingFlag = x.flag
			config.IO = preemption.IOLoop(endpoint.Loop())
		} else {
			config.PreemptedFlag = x.flag
		}
	}

	x.mu.Lock()
	if x.destroyed {
		x.mu.Unlock()
		return nil, ErrManagerDestroyed
	}
	if _, ok := x.channels[clientID]; ok {
		x.mu.Unlock()
		return nil, ErrChannelExists
	}
	channel, err := NewChannel(&config)
	if err != nil {
		x.mu.Unlock()
		return nil, err
	}
	// registered before Init, so errors reported by the endpoint find it
	x.channels[clientID] = channel
	x.mu.Unlock()

	if err := channel.Init(endpoint); err != nil {
		_ = x.RemoveChannel(clientID)
		return nil, err
	}

	x.logger.Debug().
		Int(`client`, int(clientID)).
		Bool(`privileged`, privileged).
		Log(`channel established`)

	return channel, nil
}

// LookupChannel returns the channel for clientID, or nil.
func (x *Manager) LookupChannel(clientID int32) *Channel {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.channels[clientID]
}

// NumChannels returns the number of live channels.
func (x *Manager) NumChannels() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.channels)
}

// RemoveChannel destroys the channel for clientID, if any.
func (x *Manager) RemoveChannel(clientID int32) error {
	return taskqueue.Await(context.Background(), x.main, func() { x.removeChannel(clientID) })
}

// LoseAllContexts marks every stub's context lost, then destroys every
// channel, e.g. after a GPU reset.
func (x *Manager) LoseAllContexts() error {
	channels := x.snapshot()
	var g errgroup.Group
	for _, channel := range channels {
		g.Go(func() error {
			return taskqueue.Await(context.Background(), x.main, channel.MarkAllContextsLost)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return x.destroyChannels(channels)
}

// Destroy destroys every channel, stops the scheduler, and closes the main
// runner if the manager owns it. Subsequent calls are no-ops.
func (x *Manager) Destroy() error {
	x.mu.Lock()
	if x.destroyed {
		x.mu.Unlock()
		return nil
	}
	x.destroyed = true
	x.mu.Unlock()

	err := x.destroyChannels(x.snapshot())

	if x.scheduler != nil {
		x.schedulerCancel()
		<-x.schedulerDone
	}

	if x.ownMain != nil {
		err = errors.Join(err, x.ownMain.Close())
	}

	x.logger.Debug().Log(`channel manager destroyed`)

	return err
}

func (x *Manager) destroyChannels(channels []*Channel) error {
	var g errgroup.Group
	for _, channel := range channels {
		g.Go(func() error {
			return taskqueue.Await(context.Background(), x.main, func() { x.removeChannel(channel.ClientID()) })
		})
	}
	return g.Wait()
}

func (x *Manager) snapshot() []*Channel {
	x.mu.Lock()
	defer x.mu.Unlock()
	channels := make([]*Channel, 0, len(x.channels))
	for _, channel := range x.channels {
		channels = append(channels, channel)
	}
	return channels
}

// removeChannel runs on the main runner.
func (x *Manager) removeChannel(clientID int32) {
	x.mu.Lock()
	channel, ok := x.channels[clientID]
	delete(x.channels, clientID)
	x.mu.Unlock()
	if ok {
		channel.Destroy()
	}
}

// onChannelError runs on the main runner.
func (x *Manager) onChannelError(channel *Channel) {
	x.logger.Debug().
		Int(`client`, int(channel.ClientID())).
		Log(`removing channel after error`)
	x.removeChannel(channel.ClientID())
}
