package bacnet

import (
	"context"
	"fmt"
)

// UnconfiguredTransport is the default Transport until a real BACnet/IP
// client library is wired in at the adapter point this interface defines.
// The wire protocol itself is out of scope for this repository; every read
// fails immediately with a descriptive error rather than blocking for the
// full per-call timeout, so a misconfigured deployment fails fast and
// visibly in per-point errors rather than silently stalling cycles.
type UnconfiguredTransport struct{}

func (UnconfiguredTransport) ReadPoints(_ context.Context, refs []PointRef) []ReadResult {
	out := make([]ReadResult, len(refs))
	for i, ref := range refs {
		out[i] = ReadResult{PointRef: ref, Err: fmt.Errorf("bacnet: no transport configured for device %d (%s:%d)", ref.DeviceID, ref.ObjectType, ref.Instance)}
	}
	return out
}
