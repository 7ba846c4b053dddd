package main

import (
	"context"
	"errors"
	"os"
	"sync"

	"fleet/internal/logging"
)

// watchShutdownSignals cancels the run on the first signal. A second signal
// is logged once; the rest are swallowed until stop is called.
func watchShutdownSignals(logger *logging.Logger, cancel context.CancelFunc, signalCh <-chan os.Signal) (stop func()) {
	if signalCh == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		received := 0
		for {
			var sig os.Signal
			select {
			case <-done:
				return
			case next, ok := <-signalCh:
				if !ok {
					return
				}
				sig = next
			}
			received++
			fields := map[string]string{}
			if sig != nil {
				fields["signal"] = sig.String()
			}
			switch received {
			case 1:
				logger.Info("shutdown signal received", fields)
				cancel()
			case 2:
				logger.Info("shutdown already in progress; ignoring signal", fields)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownSequence runs its phases once, last added first, and keeps going
// past failures.
type shutdownSequence struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
}

func (s *shutdownSequence) Add(name string, stop func(context.Context) error) {
	if stop == nil {
		return
	}
	s.phases = append(s.phases, shutdownPhase{name: name, stop: stop})
}

func (s *shutdownSequence) Run(ctx context.Context) error {
	var runErr error
	s.once.Do(func() {
		for i := len(s.phases) - 1; i >= 0; i-- {
			phase := s.phases[i]
			s.logger.Debug("shutdown phase starting", map[string]string{"phase": phase.name})
			if err := phase.stop(ctx); err != nil {
				runErr = errors.Join(runErr, err)
				s.logger.Warn("shutdown phase failed", map[string]string{
					"phase":            phase.name,
					logging.FieldError: err.Error(),
				})
			}
		}
	})
	return runErr
}
