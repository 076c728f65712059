// Package nvmtest provides a fault-injection wrapper around an
// nvm.Backend, used to drive the power-loss recovery invariant (spec
// invariant 3: a subsequent Start+read after an interrupted mutation
// returns either the pre- or post-image, never a torn mixture) without
// real hardware.
//
// The approach mirrors the page-verifying fake transactor used by
// distributed-i2cm's EEPROM24 tests: a thin layer in front of the real
// backend that logs and can fail specific calls on demand.
package nvmtest

import (
	"github.com/lilvinz/gonvm/nvm"
)

// Injector wraps an nvm.Backend and can be told to fail the Nth
// subsequent primitive Write/Erase/Sync call with nvm.KindIoFailure,
// simulating a power loss at that point. Read, GetInfo, and the
// lock/protect calls are never faulted; they aren't part of the
// mutation sequence whose atomicity this harness is exercising.
type Injector struct {
	underlying nvm.Backend

	// FailAfter is the number of further mutating calls (Write, Erase,
	// MassErase, Sync) to let through before returning a fault. A
	// value of 0 faults the very next call. A negative value disables
	// fault injection.
	FailAfter int

	// Calls records every mutating call observed (Write, Erase,
	// MassErase, Sync), in order, for assertions in tests; Read and the
	// other pass-through calls are not recorded.
	Calls []string
}

// NewInjector wraps underlying. FailAfter starts disabled (-1); set it
// before the call sequence you want to interrupt.
func NewInjector(underlying nvm.Backend) *Injector {
	return &Injector{underlying: underlying, FailAfter: -1}
}

func (i *Injector) shouldFault(op string) error {
	i.Calls = append(i.Calls, op)
	if i.FailAfter < 0 {
		return nil
	}
	if i.FailAfter == 0 {
		i.FailAfter = -1
		return nvm.NewError(nvm.KindIoFailure, op, errInjected)
	}
	i.FailAfter--
	return nil
}

var errInjected = injectedError{}

type injectedError struct{}

func (injectedError) Error() string { return "nvmtest: injected power loss" }

func (i *Injector) Start() error { return i.underlying.Start() }
func (i *Injector) Stop() error  { return i.underlying.Stop() }

func (i *Injector) Read(start uint32, p []byte) error {
	return i.underlying.Read(start, p)
}

func (i *Injector) Write(start uint32, p []byte) error {
	if err := i.shouldFault("Write"); err != nil {
		return err
	}
	return i.underlying.Write(start, p)
}

func (i *Injector) Erase(start, n uint32) error {
	if err := i.shouldFault("Erase"); err != nil {
		return err
	}
	return i.underlying.Erase(start, n)
}

func (i *Injector) MassErase() error {
	if err := i.shouldFault("MassErase"); err != nil {
		return err
	}
	return i.underlying.MassErase()
}

func (i *Injector) Sync() error {
	if err := i.shouldFault("Sync"); err != nil {
		return err
	}
	return i.underlying.Sync()
}

func (i *Injector) GetInfo() (nvm.Info, error) { return i.underlying.GetInfo() }

func (i *Injector) WriteProtect(start, n uint32) error   { return i.underlying.WriteProtect(start, n) }
func (i *Injector) MassWriteProtect() error              { return i.underlying.MassWriteProtect() }
func (i *Injector) WriteUnprotect(start, n uint32) error { return i.underlying.WriteUnprotect(start, n) }
func (i *Injector) MassWriteUnprotect() error            { return i.underlying.MassWriteUnprotect() }

func (i *Injector) Acquire() error { return i.underlying.Acquire() }
func (i *Injector) Release() error { return i.underlying.Release() }

var _ nvm.Backend = (*Injector)(nil)
