package rooms

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is the parent of every "nothing left to hand out"
	// condition. It is expected under load and never fatal.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNoFreeSlot       = fmt.Errorf("%w: no free room slot", ErrCapacityExceeded)
	ErrPoolEmpty        = fmt.Errorf("%w: no idle recorder", ErrCapacityExceeded)

	// ErrPlatform wraps failed calls to the chat platform.
	ErrPlatform = errors.New("platform operation failed")

	// ErrUnknownReference means the referenced channel, member or worker no
	// longer exists; callers treat it as already cleaned up.
	ErrUnknownReference = errors.New("unknown reference")

	ErrSlotOutOfRange  = errors.New("slot out of range")
	ErrSlotNotReserved = errors.New("slot not reserved")
)
